package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"agenthost/internal/channel"
)

const (
	DefaultCheckInterval       = 30 * time.Second
	DefaultBackoffBase         = 2 * time.Second
	DefaultBackoffMax          = 120 * time.Second
	DefaultMaxReconnectAttempts = 10
)

// MonitorConfig tunes the Channel Monitor's reconnect policy.
type MonitorConfig struct {
	CheckInterval       time.Duration
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	MaxReconnectAttempts int
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	return c
}

// ChannelMonitor polls every managed channel's status and drives
// disconnect/reconnect with exponential backoff on failure, per spec.md
// §4.7.
type ChannelMonitor struct {
	channels *channel.Manager
	handler  channel.Handler
	cfg      MonitorConfig

	mu       sync.Mutex
	failures map[string]int

	stopCh chan struct{}
}

func NewChannelMonitor(channels *channel.Manager, handler channel.Handler, cfg MonitorConfig) *ChannelMonitor {
	return &ChannelMonitor{
		channels: channels,
		handler:  handler,
		cfg:      cfg.withDefaults(),
		failures: map[string]int{},
		stopCh:   make(chan struct{}),
	}
}

// Start launches the periodic check loop in its own goroutine.
func (m *ChannelMonitor) Start() {
	go func() {
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.checkAll()
			}
		}
	}()
}

// Stop halts the check loop. In-flight reconnect attempts are not
// interrupted.
func (m *ChannelMonitor) Stop() {
	close(m.stopCh)
}

// checkAll fans each channel's check out into its own goroutine so one
// channel's backoff sleep never delays another channel's reconnect.
func (m *ChannelMonitor) checkAll() {
	for _, info := range m.channels.Statuses() {
		ch, ok := m.channels.Get(info.ID)
		if !ok {
			continue
		}
		go m.check(ch)
	}
}

func (m *ChannelMonitor) check(ch channel.Channel) {
	status := ch.GetStatus()

	switch status.Status {
	case channel.StatusConnected:
		m.mu.Lock()
		m.failures[ch.ID()] = 0
		m.mu.Unlock()
		return
	case channel.StatusConnecting:
		return
	}

	m.mu.Lock()
	failures := m.failures[ch.ID()]
	m.mu.Unlock()

	if failures >= m.cfg.MaxReconnectAttempts {
		slog.Warn("health: channel monitor cooldown", "channel", ch.ID(), "failures", failures)
		m.mu.Lock()
		m.failures[ch.ID()] = 0
		m.mu.Unlock()
		return
	}

	delay := m.cfg.BackoffBase * time.Duration(1<<uint(failures))
	if delay > m.cfg.BackoffMax {
		delay = m.cfg.BackoffMax
	}
	time.Sleep(delay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = ch.Disconnect(ctx) // best-effort

	if err := ch.Connect(ctx, m.handler); err != nil {
		slog.Warn("health: channel reconnect failed", "channel", ch.ID(), "error", err)
		m.mu.Lock()
		m.failures[ch.ID()]++
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.failures[ch.ID()] = 0
	m.mu.Unlock()
}
