package messaging

import (
	"errors"
	"fmt"
)

// ErrorKind names the operation an OpError came from.
type ErrorKind string

const (
	SendFailed               ErrorKind = "send_failed"
	MarkSeenFailed           ErrorKind = "mark_seen_failed"
	ConversationCreateFailed ErrorKind = "conversation_create_failed"
	ConnectFailed            ErrorKind = "connect_failed"
)

var (
	ErrBlankTitle         = errors.New("conversation title is blank")
	ErrNoMembers          = errors.New("conversation needs at least one member besides the creator")
	ErrInvalidCounterpart = errors.New("invalid counterpart user id")
	ErrNoUser             = errors.New("no current user")
	ErrSessionClosed      = errors.New("session closed")
)

// OpError is a failed store write, kept so the view can offer a retry.
type OpError struct {
	Kind           ErrorKind
	ConversationID string
	Err            error
}

func (e *OpError) Error() string {
	if e.ConversationID != "" {
		return fmt.Sprintf("%s (conversation %s): %v", e.Kind, e.ConversationID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// IsKind reports whether err is an OpError of kind.
func IsKind(err error, kind ErrorKind) bool {
	var op *OpError
	return errors.As(err, &op) && op.Kind == kind
}
