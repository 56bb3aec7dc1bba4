package types

import "fmt"

// ValidationError reports a malformed signal or order. The offending
// object is dropped and the run continues.
type ValidationError struct {
	Kind   string // "signal" or "order"
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Kind, e.Reason)
}

// StateLeakError reports mutable state that survived from a previous
// run. The run aborts before processing any bar.
type StateLeakError struct {
	Component string
	Reason    string
}

func (e *StateLeakError) Error() string {
	return fmt.Sprintf("state leak in %s: %s", e.Component, e.Reason)
}

// DataError reports a malformed or out-of-order bar. The run aborts
// with no partial results.
type DataError struct {
	Symbol string
	Index  int
	Reason string
}

func (e *DataError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("bad bar at index %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("bad bar for %s at index %d: %s", e.Symbol, e.Index, e.Reason)
}

// ConfigError reports a missing or invalid configuration value. The run
// or sweep never starts.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}
