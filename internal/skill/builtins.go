package skill

// RegisterBuiltins registers every built-in skill definition without
// executors. The Agent Service installs their executors after
// construction, once it can close over its own dependencies (history
// store, channel manager) — see Install.
func RegisterBuiltins(reg *Registry) {
	reg.Register(Definition{
		Name:          "clear",
		Description:   "Clear the conversation history for the current conversation.",
		UserInvocable: true,
		// Model-invocable would let an LLM wipe history mid-conversation
		// unprompted; that is never desirable.
		DisableModelInvocation: true,
		Context:                ContextInherit,
		Source:                 SourceBuiltin,
	})

	reg.Register(Definition{
		Name:          "retry",
		Description:   "Resend the last assistant response for the current conversation.",
		UserInvocable: true,
		// Model-invocable would let an LLM resend a stale cached answer
		// instead of generating a fresh one; that is never desirable.
		DisableModelInvocation: true,
		Context:                ContextInherit,
		Source:                 SourceBuiltin,
	})
}
