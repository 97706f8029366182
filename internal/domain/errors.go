package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a bootstrap failure. Every kind is fatal to the run; the
// kind only decides whether a bounded retry happened first and which exit
// code is reported.
type Kind string

const (
	KindConfiguration    Kind = "ConfigurationError"
	KindTransientNetwork Kind = "TransientNetworkError"
	KindValidation       Kind = "ValidationError"
	KindExtraction       Kind = "ExtractError"
	KindTool             Kind = "ToolFailure"
	KindPermission       Kind = "PermissionError"
	KindLock             Kind = "LockError"
)

// Error is a classified failure, optionally labelled with the stage that
// produced it.
type Error struct {
	Kind  Kind
	Stage State
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Errorf builds a classified error. %w verbs are honoured.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err unless it already carries a kind.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// AtStage labels err with stage. Errors without a kind get fallback.
func AtStage(stage State, fallback Kind, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		if de.Stage != "" {
			return err
		}
		return &Error{Kind: de.Kind, Stage: stage, Err: de.Err}
	}
	return &Error{Kind: fallback, Stage: stage, Err: err}
}

func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

func StageOf(err error) State {
	var de *Error
	if errors.As(err, &de) {
		return de.Stage
	}
	return ""
}

// ExitCode maps err to the process exit status: 0 on success, 2 for
// configuration problems, 1 for everything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if KindOf(err) == KindConfiguration {
		return 2
	}
	return 1
}
