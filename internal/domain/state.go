package domain

import (
	"encoding/json"
	"fmt"
)

type State int

const (
	StateAnonymous State = iota
	StateMerging
	StateAuthoritative
	StateMergeFailed
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateMerging:
		return "merging"
	case StateAuthoritative:
		return "authoritative"
	case StateMergeFailed:
		return "merge_failed"
	default:
		return "unknown"
	}
}

// Authenticated reports whether cart operations route to the server.
func (s State) Authenticated() bool {
	return s == StateAuthoritative || s == StateMergeFailed || s == StateMerging
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for _, st := range []State{StateAnonymous, StateMerging, StateAuthoritative, StateMergeFailed} {
		if st.String() == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown cart state %q", name)
}
