package llm

import (
	"fmt"
	"log/slog"
	"time"
)

// NewFromConfig builds one Client per configured provider group (continuing
// past a group that fails to initialise, logging a warning — one bad
// provider config must not prevent the others from loading), then wraps
// all resulting clients in a FallbackClient. If only one client resulted,
// it is returned directly; zero clients is an error.
func NewFromConfig(groups []ProviderGroupConfig, sys SystemTunables) (Client, error) {
	var clients []Client
	for _, g := range groups {
		factory, ok := GetProviderFactory(g.Type)
		if !ok {
			slog.Warn("llm: unknown provider type, skipping", "type", g.Type)
			continue
		}
		cs, err := factory.Create(g, sys)
		if err != nil {
			slog.Warn("llm: provider init failed, skipping", "type", g.Type, "error", err)
			continue
		}
		clients = append(clients, cs...)
	}

	if len(clients) == 0 {
		return nil, fmt.Errorf("llm: no providers initialised")
	}
	if len(clients) == 1 {
		return clients[0], nil
	}

	retryDelay := time.Duration(sys.RetryDelayMs) * time.Millisecond
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	maxRetries := sys.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &FallbackClient{Clients: clients, MaxRetries: maxRetries, RetryDelay: retryDelay}, nil
}
