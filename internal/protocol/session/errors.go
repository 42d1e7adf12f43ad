package session

import "errors"

var (
	ErrHandshake          = errors.New("session: handshake failed")
	ErrNotEstablished     = errors.New("session: connection not established")
	ErrAlreadyReplied     = errors.New("session: request already answered")
	ErrTooManyConnections = errors.New("session: connection limit reached")
	ErrKnockTimeout       = errors.New("session: knock unanswered")
	ErrStreamClosed       = errors.New("session: stream closed")
	ErrResponded          = errors.New("session: peer responded before stream end")
	ErrIdle               = errors.New("session: connection idle")
	ErrEndpointClosed     = errors.New("session: endpoint closed")
)
