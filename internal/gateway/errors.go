package gateway

import "fmt"

// ConnectionError reports a failed read or write on a client socket.
type ConnectionError struct {
	ConnID uint64
	UserID string
	Op     string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("websocket %s on conn %d: %v", e.Op, e.ConnID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (c *conn) wrapErr(op string, err error) error {
	return &ConnectionError{ConnID: c.id, UserID: c.userID, Op: op, Err: err}
}
