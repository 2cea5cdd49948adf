// Command watchdog is the external supervisor described in spec.md §4.8.
// It runs as a separate process from the agent host, watches the
// heartbeat file the host writes, and restarts the host when it goes
// unhealthy — file missing, malformed, stale, or its recorded PID gone.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"

	"agenthost/internal/storage/atomic"
	stmodel "agenthost/internal/storage/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type options struct {
	heartbeatFile     string
	heartbeatTimeout  time.Duration
	checkInterval     time.Duration
	hostCommand       string
	maxRestarts       int
	restartWindow     time.Duration
	healthURL         string
	recoveryEventFile string
}

func loadOptions() options {
	return options{
		heartbeatFile:     envOr("HEARTBEAT_FILE", filepath.Join(defaultDataRoot(), "health", "heartbeat.json")),
		heartbeatTimeout:  envSeconds("HEARTBEAT_TIMEOUT", 60),
		checkInterval:     envSeconds("CHECK_INTERVAL", 15),
		hostCommand:       envOr("HOST_COMMAND", ""),
		maxRestarts:       envInt("MAX_RESTARTS", 5),
		restartWindow:     envSeconds("RESTART_WINDOW", 300),
		healthURL:         envOr("HEALTH_URL", ""),
		recoveryEventFile: envOr("RECOVERY_EVENT_FILE", filepath.Join(defaultDataRoot(), "health", "recovery-event.json")),
	}
}

func defaultDataRoot() string {
	if root := os.Getenv("MESSAGE_AGENT_DATA_DIR"); root != "" {
		return root
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".message-agent-host")
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envSeconds(name string, fallback int) time.Duration {
	return time.Duration(envInt(name, fallback)) * time.Second
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func main() {
	opts := loadOptions()
	if opts.hostCommand == "" {
		slog.Error("watchdog: HOST_COMMAND is required")
		os.Exit(1)
	}

	w := &watchdog{opts: opts}
	os.Exit(w.run())
}

type watchdog struct {
	opts  options
	child *exec.Cmd

	restartTimestamps []time.Time
	restartCount      int
}

// run spawns the host and loops the health check until interrupted. It
// returns the process exit code: 0 for a graceful Ctrl-C/SIGTERM, 1 for a
// fatal initialisation error.
func (w *watchdog) run() int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := w.spawn("initial start"); err != nil {
		slog.Error("watchdog: initial spawn failed", "error", err)
		return 1
	}

	ticker := time.NewTicker(w.opts.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			slog.Info("watchdog: signal received, stopping host")
			w.stopChild(5 * time.Second)
			return 0
		case <-ticker.C:
			w.checkOnce()
		}
	}
}

func (w *watchdog) checkOnce() {
	reason, healthy := w.assessHealth()
	if healthy {
		return
	}

	slog.Warn("watchdog: host unhealthy", "reason", reason)

	if w.rateLimited() {
		slog.Warn("watchdog: restart rate limit exceeded, pausing this cycle")
		return
	}

	w.stopChild(5 * time.Second)
	w.restartCount++
	w.recordRestartEvent(reason)
	if err := w.spawn(reason); err != nil {
		slog.Error("watchdog: respawn failed", "error", err)
		return
	}

	time.Sleep(15 * time.Second) // startup grace period before re-assessing
}

// assessHealth implements the unhealthy criteria from spec.md §4.8. A
// supplementary HTTP check is logged but never itself triggers a restart.
func (w *watchdog) assessHealth() (reason string, healthy bool) {
	b, err := os.ReadFile(w.opts.heartbeatFile)
	if err != nil {
		return "heartbeat file missing or unreadable: " + err.Error(), false
	}

	var hb stmodel.HeartbeatPayload
	if err := json.Unmarshal(b, &hb); err != nil {
		return "heartbeat file malformed: " + err.Error(), false
	}

	age := time.Since(time.UnixMilli(hb.Timestamp))
	if age > w.opts.heartbeatTimeout {
		return fmt.Sprintf("heartbeat stale (%s old)", age.Round(time.Second)), false
	}

	if hb.PID != 0 && !pidAlive(hb.PID) {
		return fmt.Sprintf("heartbeat pid %d no longer exists", hb.PID), false
	}

	if w.opts.healthURL != "" {
		resp, err := http.Get(w.opts.healthURL)
		if err != nil {
			slog.Warn("watchdog: supplementary health check failed", "error", err)
		} else {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				slog.Warn("watchdog: supplementary health check non-200", "status", resp.StatusCode)
			}
		}
	}

	return "", true
}

// rateLimited tracks restart timestamps in a sliding window, draining
// entries that fall outside it.
func (w *watchdog) rateLimited() bool {
	now := time.Now()
	cutoff := now.Add(-w.opts.restartWindow)

	kept := w.restartTimestamps[:0]
	for _, ts := range w.restartTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.restartTimestamps = kept

	if len(w.restartTimestamps) >= w.opts.maxRestarts {
		return true
	}
	w.restartTimestamps = append(w.restartTimestamps, now)
	return false
}

func (w *watchdog) recordRestartEvent(reason string) {
	ev := stmodel.RecoveryEvent{
		Timestamp:    time.Now().UnixMilli(),
		Reason:       reason,
		RestartCount: w.restartCount,
		WatchdogPID:  os.Getpid(),
	}
	b, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		slog.Error("watchdog: marshal recovery event", "error", err)
		return
	}
	if err := atomic.WriteFile(w.opts.recoveryEventFile, b, 0o644); err != nil {
		slog.Error("watchdog: write recovery event", "error", err)
	}
}

// spawn starts a fresh host process, tracking its PID so stopChild can
// signal the exact process this watchdog generation launched.
func (w *watchdog) spawn(reason string) error {
	slog.Info("watchdog: spawning host", "reason", reason, "command", w.opts.hostCommand)

	parts := strings.Fields(w.opts.hostCommand)
	if len(parts) == 0 {
		return fmt.Errorf("empty HOST_COMMAND")
	}
	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start host: %w", err)
	}
	w.child = cmd

	go func() {
		_ = cmd.Wait() // reap; exit status isn't itself the health signal
	}()

	return nil
}

// stopChild sends a graceful stop to the tracked child process, waits up
// to wait, then force-kills it. Only the tracked child is signalled; the
// PID recorded in the heartbeat file is neither read nor signalled.
func (w *watchdog) stopChild(wait time.Duration) {
	if w.child == nil || w.child.Process == nil {
		return
	}
	pid := w.child.Process.Pid

	_ = w.child.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_, _ = w.child.Process.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(wait):
		slog.Warn("watchdog: graceful stop timed out, force-killing", "pid", pid)
		_ = w.child.Process.Kill()
	}
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
