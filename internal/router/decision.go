package router

import "github.com/allaspectsdev/modelgate/internal/capacity"

// Decision is the outcome of one selection call. It is ephemeral: callers
// dispatch against it and throw it away.
type Decision struct {
	Provider string `json:"provider"`
	Workload string `json:"workload"`
	// Reason is a human-readable explanation of why this provider won.
	Reason string `json:"reason"`
	// State is the provider's capacity state at selection time.
	State capacity.State `json:"state"`
	// AvailableTokens is the capacity estimate captured at selection time.
	AvailableTokens int64 `json:"available_tokens"`
	// Fallback marks a decision that left the workload's normal candidate
	// set; FallbackFrom names the provider traffic moved away from, if any.
	Fallback     bool   `json:"fallback,omitempty"`
	FallbackFrom string `json:"fallback_from,omitempty"`
}
