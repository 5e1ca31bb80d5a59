package protocol

import (
	"errors"
	"strings"
)

// Kind is a failure category shared by both processes.
type Kind string

const (
	KindChannelClosed         Kind = "ChannelClosed"
	KindMalformedFrame        Kind = "MalformedFrame"
	KindConfiguration         Kind = "ConfigurationError"
	KindTranscriptionFailed   Kind = "TranscriptionFailed"
	KindGenerationRejected    Kind = "GenerationRejected"
	KindGenerationUnavailable Kind = "GenerationUnavailable"
	KindExecutionFailed       Kind = "ExecutionFailed"
	KindStaleRequest          Kind = "StaleRequest"
)

var kinds = []Kind{
	KindChannelClosed,
	KindMalformedFrame,
	KindConfiguration,
	KindTranscriptionFailed,
	KindGenerationRejected,
	KindGenerationUnavailable,
	KindExecutionFailed,
	KindStaleRequest,
}

// Failure is a classified error. Its string form is the detail field of
// an error message: "<Kind>" or "<Kind>: <text>".
type Failure struct {
	Kind   Kind
	Detail string
	Err    error
}

// Fail returns a Failure of the given kind.
func Fail(kind Kind, detail string) *Failure {
	return &Failure{Kind: kind, Detail: detail}
}

// Wrap classifies err as kind, keeping it for errors.Is/As.
func Wrap(kind Kind, err error) *Failure {
	if err == nil {
		return nil
	}
	return &Failure{Kind: kind, Detail: err.Error(), Err: err}
}

func (f *Failure) Error() string {
	if f.Kind == "" {
		return f.Detail
	}
	if f.Detail == "" {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Detail
}

func (f *Failure) Unwrap() error { return f.Err }

// KindOf returns the kind of the first Failure in err's chain, or "" when
// err is not classified.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// ParseFailure reverses Failure.Error. Unknown prefixes yield a Failure
// with an empty Kind and the whole text as Detail.
func ParseFailure(detail string) *Failure {
	for _, k := range kinds {
		s := string(k)
		if detail == s {
			return &Failure{Kind: k}
		}
		if rest, ok := strings.CutPrefix(detail, s+": "); ok {
			return &Failure{Kind: k, Detail: rest}
		}
	}
	return &Failure{Detail: detail}
}
