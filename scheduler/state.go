package scheduler

import "fmt"

type State int

const (
	Idle State = iota
	Running
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Progress is emitted once per finished unit.
type Progress struct {
	RunID     string `json:"run_id"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	ScoreID   string `json:"score_id"`
	Failed    bool   `json:"failed"`
}

// Observer receives progress events in the goroutine of the worker that
// finished the unit. Implementations must be safe for concurrent use.
type Observer interface {
	OnProgress(Progress)
}

type ObserverFunc func(Progress)

func (f ObserverFunc) OnProgress(p Progress) {
	f(p)
}

func (s *State) UnmarshalText(b []byte) error {
	for c := Idle; c <= Failed; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}
