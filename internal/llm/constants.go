package llm

// StopReason constants normalise provider-native stop reasons.
const (
	StopReasonStop   = "stop"
	StopReasonLength = "length"
)

// ContentBlock type constants used by StreamChunk.
const (
	BlockTypeText     = "text"
	BlockTypeThinking = "thinking"
	BlockTypeError    = "error"
)
