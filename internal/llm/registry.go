package llm

// ProviderGroupConfig configures a cluster of models from one provider.
type ProviderGroupConfig struct {
	Type    string         `json:"type" yaml:"type"`
	APIKeys []string       `json:"apiKeys,omitempty" yaml:"apiKeys,omitempty"`
	Models  []string       `json:"models" yaml:"models"`
	BaseURL string         `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// SystemTunables is the subset of engine-level tunables a provider factory
// needs (timeout, retry policy) without importing the full config package,
// which would create an import cycle (config -> llm -> config).
type SystemTunables struct {
	MaxRetries    int
	RetryDelayMs  int
	LLMTimeoutMs  int
	OllamaBaseURL string
}

// Factory instantiates one or more Clients for a provider group.
type Factory interface {
	Create(group ProviderGroupConfig, sys SystemTunables) ([]Client, error)
}

var providerRegistry = map[string]Factory{}

// RegisterProvider adds factory under name, typically from an init() in the
// provider's package.
func RegisterProvider(name string, factory Factory) {
	providerRegistry[name] = factory
}

// GetProviderFactory looks up a previously registered Factory.
func GetProviderFactory(name string) (Factory, bool) {
	f, ok := providerRegistry[name]
	return f, ok
}
