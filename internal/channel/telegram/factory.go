package telegram

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"agenthost/internal/channel"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type telegramFactory struct{}

func (telegramFactory) Create(id string, rawConfig jsoniter.RawMessage) (channel.Channel, error) {
	var cfg Config
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("telegram: parse config: %w", err)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: missing token")
	}
	return New(id, cfg), nil
}

func init() {
	channel.RegisterFactory("telegram", telegramFactory{})
}
