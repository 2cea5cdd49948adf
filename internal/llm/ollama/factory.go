package ollama

import (
	"fmt"

	"agenthost/internal/llm"
)

type providerFactory struct{}

func init() {
	llm.RegisterProvider("ollama", providerFactory{})
}

// Create builds one Client per configured model, all sharing one base URL
// and option set, which is how the teacher's ollama group config worked:
// a single provider group can fan out to several locally-hosted models.
func (providerFactory) Create(group llm.ProviderGroupConfig, sys llm.SystemTunables) ([]llm.Client, error) {
	baseURL := group.BaseURL
	if baseURL == "" {
		baseURL = sys.OllamaBaseURL
	}
	if len(group.Models) == 0 {
		return nil, fmt.Errorf("ollama: provider group has no models")
	}

	var clients []llm.Client
	for _, m := range group.Models {
		c, err := New(m, baseURL, group.Options)
		if err != nil {
			return nil, fmt.Errorf("ollama: model %s: %w", m, err)
		}
		clients = append(clients, c)
	}
	return clients, nil
}
