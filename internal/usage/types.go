package usage

// Data is the root structure persisted to usage.json.
type Data struct {
	Version   string    `json:"version"`
	Aggregate Aggregate `json:"aggregate"`
}

// Aggregate holds counters broken down by the dimensions the runtime cares
// about: which capabilities were invoked, which providers served language
// calls, and which actions the agent ended up taking.
type Aggregate struct {
	Tokens       TokenCounts            `json:"tokens"`
	ByProvider   map[string]TokenCounts `json:"by_provider"`
	ByModel      map[string]TokenCounts `json:"by_model"`
	ByCapability map[string]CallCounts  `json:"by_capability"`
	ByAction     map[string]int64       `json:"by_action"`
	Rounds       int64                  `json:"rounds"`
	Thoughts     int64                  `json:"thoughts"`
}

// TokenCounts holds input/output token sums for language capability calls.
type TokenCounts struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// Add accumulates one call's token counts.
func (tc *TokenCounts) Add(input, output int) {
	tc.Input += int64(input)
	tc.Output += int64(output)
	tc.Total += int64(input + output)
}

// CallCounts tracks how often a capability was invoked through the service
// bus and how many of those invocations failed.
type CallCounts struct {
	Calls    int64 `json:"calls"`
	Failures int64 `json:"failures"`
}
