package domain

import (
	"errors"
	"fmt"
)

// MalformedResponseError is returned by agent adapters when a call completed
// but its payload could not be turned into a reply.
type MalformedResponseError struct {
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed agent response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// ErrConversationBusy is returned by conversation lockers when another
// request already holds the conversation.
var ErrConversationBusy = errors.New("conversation is busy")
