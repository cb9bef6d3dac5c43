package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorClass tells the worker loop how to treat a failed stage.
type ErrorClass int

const (
	// ClassUnknown is an error nothing recognised; it is logged loudly.
	ClassUnknown ErrorClass = iota
	// ClassSkip means the turn ended early on purpose (repeat, cooldown, duplicate, paused).
	ClassSkip
	// ClassTransient is a collaborator failure that may succeed next turn.
	ClassTransient
	// ClassMalformed means a collaborator answered with something unusable.
	ClassMalformed
	// ClassFatal means the collaborator will keep failing until reconfigured.
	ClassFatal
)

// String returns a human-readable name for the error class.
func (c ErrorClass) String() string {
	switch c {
	case ClassSkip:
		return "skip"
	case ClassTransient:
		return "transient"
	case ClassMalformed:
		return "malformed"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Stage names used in Error.
const (
	StagePause     = "pause"
	StageRepeat    = "repeat"
	StageGreeting  = "greeting"
	StageComplete  = "complete"
	StageDedupe    = "dedupe"
	StageTranslate = "translate"
	StageSpeak     = "speak"
)

// Sentinel causes for skipped turns.
var (
	ErrPaused            = errors.New("chat handling paused")
	ErrRepeatedMessage   = errors.New("message repeats the previous one")
	ErrGreetingCooldown  = errors.New("greeting within cooldown")
	ErrDuplicateResponse = errors.New("response matches a recent one")
)

// Error is a classified failure of one pipeline stage.
type Error struct {
	Stage string
	Class ErrorClass
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Stage, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func skip(stage string, err error) *Error {
	return &Error{Stage: stage, Class: ClassSkip, Err: err}
}

func stageErr(stage string, err error) *Error {
	return &Error{Stage: stage, Class: Classify(err), Err: err}
}

// Classify sorts an error into a class. A wrapped *Error keeps its class;
// anything else is classified from its type and message.
//
// Transient: timeouts, cancelled contexts, network failures, 429 and 5xx.
// Fatal: 401/403 and missing credentials.
// Malformed: decode failures and empty answers.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassTransient
	}

	lower := strings.ToLower(err.Error())
	for _, p := range []string{"status 401", "status 403", "unauthorized", "forbidden", "api key", "invalid credentials"} {
		if strings.Contains(lower, p) {
			return ClassFatal
		}
	}
	for _, p := range []string{"status 429", "status 500", "status 502", "status 503", "status 504", "connection refused", "connection reset", "timeout", "eof", "queue full"} {
		if strings.Contains(lower, p) {
			return ClassTransient
		}
	}
	for _, p := range []string{"decode", "unmarshal", "empty completion", "invalid character"} {
		if strings.Contains(lower, p) {
			return ClassMalformed
		}
	}
	return ClassUnknown
}
