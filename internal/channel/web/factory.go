package web

import (
	"sync"

	jsoniter "github.com/json-iterator/go"

	"agenthost/internal/channel"
)

var (
	defaultSSEOnce sync.Once
	defaultSSE     *SSEManager
)

// DefaultSSEManager returns the process-wide SSEManager shared between the
// web Channel (outbound delivery) and internal/web's HTTP layer (SSE
// subscriber registration) — both must observe the same subscriber set.
func DefaultSSEManager() *SSEManager {
	defaultSSEOnce.Do(func() { defaultSSE = NewSSEManager() })
	return defaultSSE
}

type webFactory struct{}

func (webFactory) Create(id string, rawConfig jsoniter.RawMessage) (channel.Channel, error) {
	return New(id, DefaultSSEManager()), nil
}

func init() {
	channel.RegisterFactory("web", webFactory{})
}
