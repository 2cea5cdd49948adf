package pipeline

// Config is the subset of the persona/verification/tool configuration the
// pipeline needs, assembled by internal/config from the loaded YAML.
type Config struct {
	SystemPrompt      string
	MaxToolIterations int // default 10
	HistoryLimit      int // messages fed into each LLM call, default 100
	Verification      VerificationConfig
}

func (c Config) withDefaults() Config {
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = 10
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 100
	}
	c.Verification = c.Verification.withDefaults()
	return c
}

// VerificationConfig controls the post-response verification loop.
type VerificationConfig struct {
	Enabled                bool
	MaxRetries             int     // default 3
	ConfidenceThreshold    float64 // default 0.7
	SkipForShortResponses  bool
	ShortResponseThreshold int // default 50
	RulesEnabled           bool
	LLMReviewEnabled       bool
}

func (v VerificationConfig) withDefaults() VerificationConfig {
	if v.MaxRetries <= 0 {
		v.MaxRetries = 3
	}
	if v.ConfidenceThreshold <= 0 {
		v.ConfidenceThreshold = 0.7
	}
	if v.ShortResponseThreshold <= 0 {
		v.ShortResponseThreshold = 50
	}
	return v
}
