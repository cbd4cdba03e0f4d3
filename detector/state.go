package detector

import "github.com/pkg/errors"

// State is the lifecycle state of a Detector.
type State int32

const (
	// Idle detectors accept predictions.
	Idle State = iota
	// Running detectors are inside a forward pass.
	Running
	// Closed detectors have released their session.
	Closed
)

var stateNames = map[State]string{
	Idle:    "idle",
	Running: "running",
	Closed:  "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	if _, ok := stateNames[s]; !ok {
		return nil, errors.Errorf("unknown state %d", s)
	}
	return []byte(s.String()), nil
}
