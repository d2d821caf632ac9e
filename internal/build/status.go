package build

import (
	"fmt"
	"time"

	"github.com/Faultbox/meshlive/internal/mesh"
)

// State is the build state of a target.
type State int

// Build states. A target moves Idle -> Building -> Installed or Failed, then
// back to Idle, or straight to Building when a request is pending.
const (
	Idle State = iota
	Building
	Installed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Building:
		return "building"
	case Installed:
		return "installed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for st := Idle; st <= Failed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown build state %q", text)
}

// Status is a snapshot of a target's build bookkeeping.
type Status struct {
	Target       string        `json:"target"`
	State        State         `json:"state"`
	LastOutcome  State         `json:"last_outcome"`
	Pending      bool          `json:"pending"`
	Params       mesh.Params   `json:"params"`
	Generation   uint64        `json:"generation"` // of the last installed mesh
	ArtifactID   string        `json:"artifact_id,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	Builds       uint64        `json:"builds"`
	Failures     uint64        `json:"failures"`
	Superseded   uint64        `json:"superseded"`
	Coalesced    uint64        `json:"coalesced"`
}
