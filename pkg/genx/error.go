package genx

import (
	"errors"
	"fmt"
)

type Status int

const (
	StatusOK Status = iota
	StatusBlocked
	StatusTruncated
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBlocked:
		return "blocked"
	case StatusTruncated:
		return "truncated"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ErrRejected is wrapped by every blocked or unusable reply.
var ErrRejected = errors.New("genx: reply rejected")

func Blocked(stats Usage, refusal string) *State {
	return &State{
		usage:  stats,
		status: StatusBlocked,
		err:    fmt.Errorf("%w: blocked: %s", ErrRejected, refusal),
	}
}

func Truncated(stats Usage) *State {
	return &State{
		usage:  stats,
		status: StatusTruncated,
		err:    fmt.Errorf("%w: truncated", ErrRejected),
	}
}

func Error(stats Usage, err error) *State {
	return &State{
		usage:  stats,
		status: StatusError,
		err:    fmt.Errorf("genx: generate error: %w", err),
	}
}

// State is the error returned by generators when a call did not produce a
// usable reply.
type State struct {
	usage  Usage
	status Status
	err    error
}

func (ss State) Usage() Usage {
	return ss.usage
}

func (ss State) Status() Status {
	return ss.status
}

func (ss State) Unwrap() error {
	return ss.err
}

func (ss State) Error() string {
	if ss.err == nil {
		return "genx: " + ss.status.String()
	}
	return ss.err.Error()
}

// StatusOf classifies err. Errors that are not a State are StatusError;
// a nil error is StatusOK.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var st *State
	if errors.As(err, &st) {
		return st.status
	}
	if errors.Is(err, ErrRejected) {
		return StatusBlocked
	}
	return StatusError
}
