package transport

import "fmt"

// ConnectionError reports a failed dial or an unexpected loss of the socket.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SessionCreateError reports that POST /api/session failed. The client falls
// back to a local session id and keeps going.
type SessionCreateError struct {
	Err error
}

func (e *SessionCreateError) Error() string {
	return fmt.Sprintf("session create failed: %v", e.Err)
}

func (e *SessionCreateError) Unwrap() error { return e.Err }
