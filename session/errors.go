package session

import (
	"errors"
	"fmt"
	"time"

	"ekodi/audio"
	"ekodi/capture"
	"ekodi/client"
	"ekodi/playback"
)

var (
	ErrInFlight     = errors.New("a request is already in flight")
	ErrNotRecording = errors.New("not recording")
	ErrNoReply      = errors.New("no reply yet")
	ErrUnknownLang  = errors.New("input language must be fr or bm")
)

// Kind is the user-facing category of a failure. Every kind is
// recoverable by retrying the action.
type Kind int

const (
	KindOther Kind = iota
	PermissionDenied
	DeviceUnavailable
	CaptureTooShort
	PlaybackBlocked
	Network
	Server
	Busy
)

func (k Kind) String() string {
	switch k {
	case PermissionDenied:
		return "permission_denied"
	case DeviceUnavailable:
		return "device_unavailable"
	case CaptureTooShort:
		return "capture_too_short"
	case PlaybackBlocked:
		return "playback_blocked"
	case Network:
		return "network"
	case Server:
		return "server"
	case Busy:
		return "busy"
	}
	return "other"
}

func Classify(err error) Kind {
	var busy *client.BusyError
	var srv *client.ServerError
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return PermissionDenied
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return DeviceUnavailable
	case errors.Is(err, capture.ErrCaptureTooShort):
		return CaptureTooShort
	case errors.Is(err, playback.ErrPlaybackBlocked):
		return PlaybackBlocked
	case errors.As(err, &busy):
		return Busy
	case errors.As(err, &srv), errors.Is(err, playback.ErrInvalidPayload):
		return Server
	case errors.Is(err, client.ErrNetwork):
		return Network
	}
	return KindOther
}

// Error is what reaches the display layer.
type Error struct {
	Kind       Kind
	RetryAfter time.Duration
	Err        error
}

func newError(err error) *Error {
	e := &Error{Kind: Classify(err), Err: err}
	var busy *client.BusyError
	if errors.As(err, &busy) {
		e.RetryAfter = busy.RetryAfter
	}
	return e
}

func (e *Error) Unwrap() error { return e.Err }

// Error is a short message suitable for a status line.
func (e *Error) Error() string {
	switch e.Kind {
	case PermissionDenied:
		return "Microphone access denied. Allow access and try again."
	case DeviceUnavailable:
		return "No microphone found. Connect one and try again."
	case CaptureTooShort:
		return "Recording too short."
	case PlaybackBlocked:
		return "Audio output unavailable. Press p to play the reply."
	case Busy:
		return fmt.Sprintf("Server busy. Try again in %ds.", int(e.RetryAfter.Seconds()))
	case Server:
		var srv *client.ServerError
		if errors.As(e.Err, &srv) && srv.Detail != "" {
			return srv.Detail
		}
		return "The server could not handle the request."
	case Network:
		return "Network error. Check your connection."
	}
	return e.Err.Error()
}
