package shared

type ContextKey string

const (
	RunIDKey ContextKey = "runId"
	StepKey  ContextKey = "step"
)
