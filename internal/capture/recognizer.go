package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-interview/internal/transcript"
)

// ErrorCode categorizes recognizer errors.
type ErrorCode string

const (
	ErrAborted           ErrorCode = "aborted"
	ErrNetwork           ErrorCode = "network"
	ErrNoSpeech          ErrorCode = "no-speech"
	ErrNotAllowed        ErrorCode = "not-allowed"
	ErrServiceNotAllowed ErrorCode = "service-not-allowed"
	ErrAudioCapture      ErrorCode = "audio-capture"
	ErrUnsupportedEnv    ErrorCode = "unsupported"
)

// Fatal reports whether the code means capture can never succeed in this
// environment.
func (c ErrorCode) Fatal() bool {
	switch c {
	case ErrNotAllowed, ErrServiceNotAllowed, ErrAudioCapture, ErrUnsupportedEnv:
		return true
	}
	return false
}

// ErrUnsupported is returned when no recognizer is usable in the environment.
var ErrUnsupported = errors.New("speech recognition not supported")

// RecognizerError carries an ErrorCode through error returns.
type RecognizerError struct {
	Code ErrorCode
	Err  error
}

func (e *RecognizerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("recognizer %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("recognizer %s", e.Code)
}

func (e *RecognizerError) Unwrap() error { return e.Err }

// CodeOf extracts an ErrorCode from err, defaulting to "other".
func CodeOf(err error) ErrorCode {
	var rerr *RecognizerError
	if errors.As(err, &rerr) {
		return rerr.Code
	}
	if errors.Is(err, ErrUnsupported) {
		return ErrUnsupportedEnv
	}
	return "other"
}

type EventKind int

const (
	EventResult EventKind = iota
	EventError
	EventEnd
)

// Event is emitted by a Recognizer during one lifetime.
type Event struct {
	Kind      EventKind
	Fragments []transcript.Fragment
	Error     ErrorCode
}

// Sink receives recognizer events. It may be called from any goroutine.
type Sink func(Event)

// Recognizer is a continuous speech-to-text engine. After a successful Start
// it emits result and error events followed by exactly one EventEnd, whether
// the lifetime ended on request or on its own.
type Recognizer interface {
	Start(ctx context.Context, sink Sink) error
	// Stop asks the engine to finish the lifetime, delivering pending results.
	Stop()
	// Abort ends the lifetime immediately; an ErrAborted error precedes the end.
	Abort()
}

// Checker is implemented by recognizers that can verify the environment
// before the first lifetime.
type Checker interface {
	Check(ctx context.Context) error
}
