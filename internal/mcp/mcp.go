// Package mcp manages MCP server subprocesses and exposes their tools
// under the agent's uniform tool-call contract.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	mcppkg "github.com/modelcontextprotocol/go-sdk/mcp"

	"agenthost/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ServerConfig describes one MCP server to launch over stdio.
type ServerConfig struct {
	Name string            `json:"name" yaml:"name"`
	Cmd  string            `json:"cmd" yaml:"cmd"`
	Args []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env  map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

type serverSession struct {
	session   *mcppkg.ClientSession
	toolNames []string // bare (unnamespaced) names, for Tools() invocation
}

// Manager owns one stdio MCP client session per configured server and
// namespaces their tools as "<server>__<tool>" to avoid cross-server
// collisions (see ToolDefinition/ToolCall naming in internal/model).
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*serverSession
}

func NewManager() *Manager {
	return &Manager{sessions: map[string]*serverSession{}}
}

// Connect launches each configured server and lists its tools. A server
// that fails to start is logged and skipped — one bad MCP server must not
// prevent the others, or the agent's built-in skills, from being usable.
func (m *Manager) Connect(ctx context.Context, servers []ServerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, srv := range servers {
		sess, err := m.connectOne(ctx, srv)
		if err != nil {
			slog.Warn("mcp: server connect failed, skipping", "server", srv.Name, "error", err)
			continue
		}
		m.sessions[srv.Name] = sess
	}
}

func (m *Manager) connectOne(ctx context.Context, srv ServerConfig) (*serverSession, error) {
	if strings.TrimSpace(srv.Name) == "" {
		return nil, fmt.Errorf("mcp: server name required")
	}
	if strings.TrimSpace(srv.Cmd) == "" {
		return nil, fmt.Errorf("mcp: server %s has no command", srv.Name)
	}

	client := mcppkg.NewClient(&mcppkg.Implementation{Name: "agenthost", Version: "1.0"}, nil)

	cmd := exec.Command(srv.Cmd, srv.Args...)
	if len(srv.Env) > 0 {
		env := os.Environ()
		for k, v := range srv.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	session, err := client.Connect(ctx, &mcppkg.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: connect %s: %w", srv.Name, err)
	}

	var names []string
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			slog.Warn("mcp: tool listing interrupted", "server", srv.Name, "error", err)
			break
		}
		names = append(names, tool.Name)
	}

	return &serverSession{session: session, toolNames: names}, nil
}

// GetAllTools returns the namespaced ToolDefinitions of every connected
// server, suitable for appending directly to the tool catalogue passed to
// an LLM client.
func (m *Manager) GetAllTools(ctx context.Context) []model.ToolDefinition {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.ToolDefinition
	for serverName, sess := range m.sessions {
		for tool, err := range sess.session.Tools(ctx, nil) {
			if err != nil {
				slog.Warn("mcp: tool listing interrupted", "server", serverName, "error", err)
				break
			}
			out = append(out, model.ToolDefinition{
				Name:        namespacedName(serverName, tool.Name),
				Description: tool.Description,
				InputSchema: sanitizedSchema(tool.InputSchema),
			})
		}
	}
	return out
}

// InvokeTool dispatches a namespaced "<server>__<tool>" call to its
// owning session. argsJSON is the raw JSON arguments object.
func (m *Manager) InvokeTool(ctx context.Context, namespacedTool string, argsJSON string) (string, error) {
	serverName, toolName, ok := splitNamespaced(namespacedTool)
	if !ok {
		return "", fmt.Errorf("mcp: not a namespaced mcp tool: %s", namespacedTool)
	}

	m.mu.Lock()
	sess, ok := m.sessions[serverName]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("mcp: unknown server %s", serverName)
	}

	var args map[string]any
	if strings.TrimSpace(argsJSON) != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("mcp: invalid arguments for %s: %w", namespacedTool, err)
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	res, err := sess.session.CallTool(ctx, &mcppkg.CallToolParams{Name: toolName, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("mcp: call %s: %w", namespacedTool, err)
	}

	var texts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcppkg.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return strings.Join(texts, "\n"), nil
}

// DisconnectAll closes every connected server session.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, sess := range m.sessions {
		if err := sess.session.Close(); err != nil {
			slog.Warn("mcp: close session failed", "server", name, "error", err)
		}
	}
	m.sessions = map[string]*serverSession{}
}

func namespacedName(server, tool string) string {
	return server + "__" + tool
}

// splitNamespaced splits a "<server>__<tool>" name on the first "__",
// since server and tool names may themselves contain single underscores.
func splitNamespaced(name string) (server, tool string, ok bool) {
	idx := strings.Index(name, "__")
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+2:], true
}

// sanitizedSchema normalizes an MCP tool's input schema to a form every
// configured LLM backend accepts: object schemas always carry a
// properties map, array schemas always carry an items schema.
func sanitizedSchema(raw any) map[string]any {
	schema := map[string]any{"type": "object", "properties": map[string]any{}}
	if raw != nil {
		if b, err := json.Marshal(raw); err == nil {
			var m map[string]any
			if json.Unmarshal(b, &m) == nil && m != nil {
				for k, v := range m {
					schema[k] = v
				}
			}
		}
	}
	if _, ok := schema["properties"].(map[string]any); !ok {
		schema["properties"] = map[string]any{}
	}
	normalizeSchema(schema)
	return schema
}

func normalizeSchema(s map[string]any) {
	if hasType(s["type"], "object") {
		if _, ok := s["properties"].(map[string]any); !ok {
			s["properties"] = map[string]any{}
		}
	}
	if hasType(s["type"], "array") {
		if _, ok := s["items"].(map[string]any); !ok {
			s["items"] = map[string]any{"type": "string"}
		}
	}
	if props, ok := s["properties"].(map[string]any); ok {
		for _, v := range props {
			if m, ok := v.(map[string]any); ok {
				normalizeSchema(m)
			}
		}
	}
	if it, ok := s["items"].(map[string]any); ok {
		normalizeSchema(it)
	}
	for _, key := range []string{"oneOf", "anyOf", "allOf"} {
		if arr, ok := s[key].([]any); ok {
			for _, v := range arr {
				if m, ok := v.(map[string]any); ok {
					normalizeSchema(m)
				}
			}
		}
	}
}

func hasType(v any, want string) bool {
	switch tt := v.(type) {
	case string:
		return tt == want
	case []any:
		for _, x := range tt {
			if xs, ok := x.(string); ok && xs == want {
				return true
			}
		}
	}
	return false
}
