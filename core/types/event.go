package types

// Event represents a structured state change emitted by the settlement
// engine. Attributes are flat string pairs so downstream consumers (indexers,
// audit sinks) never need to understand engine internals.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}
