package orchestrator

import "fmt"

// Kind classifies why a request failed.
type Kind string

const (
	KindEmptyInput                Kind = "empty_input"
	KindInvalidMode               Kind = "invalid_mode"
	KindUpstreamUnavailable       Kind = "upstream_unavailable"
	KindMalformedUpstreamResponse Kind = "malformed_upstream_response"
	KindCanceled                  Kind = "canceled"
)

// Stage names the step of the request that failed.
type Stage string

const (
	StageValidation   Stage = "validation"
	StagePrimaryCall  Stage = "primary_call"
	StageFallbackCall Stage = "fallback_call"
)

// Error is returned by Handle for every terminal failure.
type Error struct {
	Kind  Kind
	Stage Stage
	// Timeout is set when the per-call deadline expired.
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("orchestrator: %s at %s", e.Kind, e.Stage)
	}
	return fmt.Sprintf("orchestrator: %s at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
