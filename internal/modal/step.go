// Package modal sequences multi-step wallet interactions requested by a
// partner frame: sort the requested steps, skip those already satisfied,
// walk the rest one at a time, and emit one aggregated result or one error.
package modal

import (
	"encoding/json"
	"sort"
)

// StepKind identifies a modal step.
type StepKind string

const (
	StepLogin            StepKind = "login"
	StepOpenSession      StepKind = "openSession"
	StepSiweAuthenticate StepKind = "siweAuthenticate"
	StepSendTransaction  StepKind = "sendTransaction"
	StepFinal            StepKind = "final"
)

// importance is the fixed step ordering. login and openSession sort first
// and are skippable; final always sorts last.
func (k StepKind) importance() int {
	switch k {
	case StepLogin:
		return -2
	case StepOpenSession:
		return -1
	case StepSiweAuthenticate:
		return 5
	case StepSendTransaction:
		return 10
	case StepFinal:
		return 100
	}
	return 50
}

// Valid reports whether k is a known step kind.
func (k StepKind) Valid() bool {
	switch k {
	case StepLogin, StepOpenSession, StepSiweAuthenticate, StepSendTransaction, StepFinal:
		return true
	}
	return false
}

// Step is one requested step with its method-specific params.
type Step struct {
	Key    StepKind        `json:"key"`
	Params json.RawMessage `json:"params,omitempty"`
}

// sortSteps converts the requested map to the fixed presentation order.
// Equal importance falls back to the key name so the order is deterministic.
func sortSteps(requested map[StepKind]json.RawMessage) []Step {
	steps := make([]Step, 0, len(requested))
	for key, params := range requested {
		steps = append(steps, Step{Key: key, Params: params})
	}
	sort.SliceStable(steps, func(i, j int) bool {
		a, b := steps[i].Key, steps[j].Key
		if a.importance() != b.importance() {
			return a.importance() < b.importance()
		}
		return a < b
	})
	return steps
}
