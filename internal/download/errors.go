package download

import (
	"errors"
	"unicode/utf8"
)

var (
	// ErrInvalidRequest indicates a request with an empty URL or a relative destination
	ErrInvalidRequest = errors.New("invalid_request")

	// ErrDirectoryCreation indicates the destination's parent directory is missing and could not be created
	ErrDirectoryCreation = errors.New("cannot_create_directory")

	// ErrDestinationConflict indicates the destination exists but is not a regular file
	ErrDestinationConflict = errors.New("destination_conflict")

	// ErrFileCreate indicates the destination could not be opened for writing
	ErrFileCreate = errors.New("cannot_create_file")

	// ErrTransport is matched by every *TransportError
	ErrTransport = errors.New("transport_error")

	// ErrShuttingDown indicates the manager is no longer accepting new downloads
	ErrShuttingDown = errors.New("shutting_down")
)

// TransportError wraps a network or protocol failure reported by a Transport,
// either when issuing the request or while reading the body.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport error"
	}
	return e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTransport) match any TransportError.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// maxMessageLen caps failure messages, in bytes.
const maxMessageLen = 512

// failureMessage returns the human readable reason delivered with a failed completion.
func failureMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	// reduce noise from long provider messages
	if len(msg) > maxMessageLen {
		cut := maxMessageLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	if msg == "" {
		msg = "download failed"
	}
	return msg
}
