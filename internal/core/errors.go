package core

import (
	"errors"
	"fmt"
)

// ErrNoToken is returned by a TokenStore when no token has been persisted.
var ErrNoToken = errors.New("no stored token")

// ErrorKind classifies failures across the session manager and the playback
// orchestrator. The UI only ever sees these kinds, never raw transport
// errors.
type ErrorKind int

const (
	// KindConfiguration marks a bad local setup (e.g. missing redirect
	// URL). Fatal, never retried.
	KindConfiguration ErrorKind = iota
	// KindAuthentication marks an invalid or expired token. The stored
	// token is cleared and a fresh user-initiated connect is required.
	KindAuthentication
	// KindConnection marks a transport failure, retried with backoff up
	// to the configured cap.
	KindConnection
	// KindTransientPlayback marks a benign "end of stream" disconnect
	// that is reconnected immediately without consuming a retry slot.
	KindTransientPlayback
	// KindPlayback marks a genuine playback failure after retries.
	KindPlayback
	// KindSearch marks an empty search result after trying alternate
	// sources.
	KindSearch
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAuthentication:
		return "authentication"
	case KindConnection:
		return "connection"
	case KindTransientPlayback:
		return "transient_playback"
	case KindPlayback:
		return "playback"
	case KindSearch:
		return "search"
	default:
		return "unknown"
	}
}

// Description returns the human-readable text surfaced to the presentation
// layer for this kind of failure.
func (k ErrorKind) Description() string {
	switch k {
	case KindConfiguration:
		return "Spotify configuration not set"
	case KindAuthentication:
		return "Authentication with Spotify failed"
	case KindConnection:
		return "Failed to connect to Spotify"
	case KindTransientPlayback:
		return "Playback interrupted"
	case KindPlayback:
		return "Playback error"
	case KindSearch:
		return "No matching tracks found"
	default:
		return "Unknown error"
	}
}

// Error is the typed failure exchanged between components. Reason is short
// and loggable; Err holds the wrapped cause, if any.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewConfigurationError reports a fatal local misconfiguration.
func NewConfigurationError(reason string) *Error {
	return &Error{Kind: KindConfiguration, Reason: reason}
}

// NewAuthError reports an authentication-domain failure.
func NewAuthError(reason string, err error) *Error {
	return &Error{Kind: KindAuthentication, Reason: reason, Err: err}
}

// NewConnectionError reports a transport-level failure.
func NewConnectionError(reason string, err error) *Error {
	return &Error{Kind: KindConnection, Reason: reason, Err: err}
}

// NewTransientPlaybackError reports a benign, recoverable interruption.
func NewTransientPlaybackError(reason string, err error) *Error {
	return &Error{Kind: KindTransientPlayback, Reason: reason, Err: err}
}

// NewPlaybackError reports a playback failure that exhausted local retries.
func NewPlaybackError(reason string, err error) *Error {
	return &Error{Kind: KindPlayback, Reason: reason, Err: err}
}

// NewSearchError reports that no tracks were found for a filter.
func NewSearchError(reason string) *Error {
	return &Error{Kind: KindSearch, Reason: reason}
}

// KindOf extracts the classification of err. Unclassified errors default to
// KindConnection, the retryable bucket.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindConnection
}

// IsAuthError reports whether err is an authentication-domain failure.
func IsAuthError(err error) bool {
	return KindOf(err) == KindAuthentication
}

// IsBenign reports whether err is a recoverable end-of-stream style
// interruption that should not consume a retry slot.
func IsBenign(err error) bool {
	return KindOf(err) == KindTransientPlayback
}

// IsFatal reports whether err must never be retried.
func IsFatal(err error) bool {
	k := KindOf(err)
	return k == KindConfiguration || k == KindAuthentication
}
