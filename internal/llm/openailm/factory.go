package openailm

import (
	"fmt"

	"agenthost/internal/llm"
)

type providerFactory struct{ defaultProviderName string }

func init() {
	llm.RegisterProvider("openai", providerFactory{defaultProviderName: "openai"})
	llm.RegisterProvider("openai-compatible", providerFactory{defaultProviderName: "openai-compatible"})
}

// Create builds one Client per (model, apiKey) pairing. Keys cycle if there
// are fewer keys than models, mirroring the teacher's key-rotation-by-group
// convention for rate-limit spreading across multiple account keys.
func (f providerFactory) Create(group llm.ProviderGroupConfig, sys llm.SystemTunables) ([]llm.Client, error) {
	if len(group.Models) == 0 {
		return nil, fmt.Errorf("%s: provider group has no models", f.defaultProviderName)
	}
	keys := group.APIKeys
	if len(keys) == 0 {
		keys = []string{""}
	}

	var clients []llm.Client
	for i, m := range group.Models {
		key := keys[i%len(keys)]
		c, err := New(f.defaultProviderName, key, m, group.BaseURL, group.Options)
		if err != nil {
			return nil, fmt.Errorf("%s: model %s: %w", f.defaultProviderName, m, err)
		}
		clients = append(clients, c)
	}
	return clients, nil
}
