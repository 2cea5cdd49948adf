package gemini

import (
	"context"
	"fmt"

	"agenthost/internal/llm"
)

type providerFactory struct{}

func init() {
	llm.RegisterProvider("gemini", providerFactory{})
}

func (providerFactory) Create(group llm.ProviderGroupConfig, sys llm.SystemTunables) ([]llm.Client, error) {
	if len(group.Models) == 0 {
		return nil, fmt.Errorf("gemini: provider group has no models")
	}
	keys := group.APIKeys
	if len(keys) == 0 {
		return nil, fmt.Errorf("gemini: provider group has no api keys")
	}

	useThought, _ := group.Options["useThought"].(bool)

	var clients []llm.Client
	for i, m := range group.Models {
		key := keys[i%len(keys)]
		c, err := New(context.Background(), key, m, useThought, group.Options)
		if err != nil {
			return nil, fmt.Errorf("gemini: model %s: %w", m, err)
		}
		clients = append(clients, c)
	}
	return clients, nil
}
