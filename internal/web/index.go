package web

// indexPageHTML is the cached single-page chat client served at GET / and
// GET /index.html. It talks to /api/chat and /api/chat/stream directly;
// no build step or asset bundler is involved.
const indexPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>agenthost</title>
<meta name="viewport" content="width=device-width, initial-scale=1">
<style>
body { font-family: system-ui, sans-serif; max-width: 720px; margin: 2rem auto; padding: 0 1rem; }
#log { border: 1px solid #ccc; border-radius: 6px; padding: 1rem; min-height: 320px; white-space: pre-wrap; }
.msg-user { color: #0a5; }
.msg-assistant { color: #222; }
form { display: flex; gap: 0.5rem; margin-top: 1rem; }
input { flex: 1; padding: 0.5rem; }
button { padding: 0.5rem 1rem; }
</style>
</head>
<body>
<h1>agenthost</h1>
<div id="log"></div>
<form id="form">
<input id="text" autocomplete="off" placeholder="Message..." />
<button type="submit">Send</button>
</form>
<script>
let conversationId = localStorage.getItem("conversationId") || "";
let source = null;

function log(role, text) {
  const el = document.getElementById("log");
  const line = document.createElement("div");
  line.className = "msg-" + role;
  line.textContent = (role === "user" ? "you: " : "assistant: ") + text;
  el.appendChild(line);
  el.scrollTop = el.scrollHeight;
}

function openStream() {
  if (!conversationId) return;
  if (source) source.close();
  source = new EventSource("/api/chat/stream?conversationId=" + encodeURIComponent(conversationId));
  source.addEventListener("message", (e) => {
    const data = JSON.parse(e.data);
    log("assistant", data.text);
  });
}

document.getElementById("form").addEventListener("submit", async (e) => {
  e.preventDefault();
  const input = document.getElementById("text");
  const text = input.value.trim();
  if (!text) return;
  input.value = "";
  log("user", text);

  const res = await fetch("/api/chat", {
    method: "POST",
    headers: { "Content-Type": "application/json" },
    body: JSON.stringify({ text, conversationId }),
  });
  const data = await res.json();
  if (data.conversationId && data.conversationId !== conversationId) {
    conversationId = data.conversationId;
    localStorage.setItem("conversationId", conversationId);
    openStream();
  }
});

openStream();
</script>
</body>
</html>
`
