package pubsub

import "github.com/infigaming-com/go-pubsub/errors"

const (
	ErrCodeProtocolViolation = 20000 + iota
	ErrCodePullExhausted
	ErrCodeRequestConstruction
	ErrCodeSubscriptionDeleted
	ErrCodeSessionClosed
	ErrCodeInvalidStreamOptions
	ErrCodeInvalidSubscriptionName
	ErrCodeClientClosed
)

var (
	// ErrProtocolViolation marks an envelope without its message or publish time.
	ErrProtocolViolation = errors.NewError(ErrCodeProtocolViolation, "pubsub: protocol violation", nil)
	// ErrPullExhausted is returned once the pull retry policy gives up.
	ErrPullExhausted           = errors.NewError(ErrCodePullExhausted, "pubsub: pull retries exhausted", nil)
	ErrRequestConstruction     = errors.NewError(ErrCodeRequestConstruction, "pubsub: request construction failed", nil)
	ErrSubscriptionDeleted     = errors.NewError(ErrCodeSubscriptionDeleted, "pubsub: subscription handle deleted", nil)
	ErrSessionClosed           = errors.NewError(ErrCodeSessionClosed, "pubsub: streaming session closed", nil)
	ErrInvalidStreamOptions    = errors.NewError(ErrCodeInvalidStreamOptions, "pubsub: invalid stream options", nil)
	ErrInvalidSubscriptionName = errors.NewError(ErrCodeInvalidSubscriptionName, "pubsub: invalid subscription name", nil)
	ErrClientClosed            = errors.NewError(ErrCodeClientClosed, "pubsub: client closed", nil)
)
