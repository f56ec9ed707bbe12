package download

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPersistence    = errors.New("request persistence failed")
	ErrInvariant      = errors.New("request invariant violated")
	ErrNotFound       = errors.New("not found")
	ErrNotReady       = errors.New("artifact not ready")
	ErrInvalidRequest = errors.New("invalid request")
)

// State is the lifecycle stage of a fetch request. Done and
// Error are terminal.
type State int

const (
	StateInitiated State = iota
	StateFetching
	StateDone
	StateError
)

var stateNames = []string{"initiated", "fetching", "done", "error"}

func ParseState(s string) (State, error) {
	for i, name := range stateNames {
		if name == s {
			return State(i), nil
		}
	}

	return StateInitiated, fmt.Errorf("unknown request state %q", s)
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) IsTerminal() bool { return s == StateDone || s == StateError }

func (s State) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stateNames) {
		return nil, fmt.Errorf("cannot marshal unknown request state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}

	*s = parsed
	return nil
}

func (s State) Value() (driver.Value, error) {
	if s < 0 || int(s) >= len(stateNames) {
		return nil, fmt.Errorf("cannot store unknown request state %d", int(s))
	}
	return s.String(), nil
}

func (s *State) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	}

	return fmt.Errorf("cannot scan %T in to request state", src)
}

type (
	// Request is the durable record of a single fetch, and
	// doubles as the payload of the Requested event.
	Request struct {
		ID           uuid.UUID `db:"id" json:"id"`
		State        State     `db:"state" json:"state"`
		SourceLink   string    `db:"source_link" json:"source_link" validate:"required"`
		ArtifactName *string   `db:"artifact_name" json:"artifact_name,omitempty"`
		CreatedAt    time.Time `db:"created_at" json:"created_at"`
		Percentage   int       `db:"percentage" json:"percentage" validate:"min=0,max=100"`
		RequesterID  *string   `db:"requester_id" json:"requester_id,omitempty"`
	}

	Artifact struct {
		Name string
		Data []byte
	}
)
