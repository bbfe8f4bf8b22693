package pubsub

import "context"

type Logger interface {
	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, msg string, kv ...any)
}

// Hooks are optional callbacks fired by subscriptions. Nil hooks are skipped.
type Hooks struct {
	OnPull      func(ctx context.Context, subscription string, count int)
	OnPullError func(ctx context.Context, subscription string, attempt int, err error)
	OnReceive   func(ctx context.Context, subscription string, meta MessageMetadata)
	OnAck       func(ctx context.Context, subscription string, meta MessageMetadata)
	OnNack      func(ctx context.Context, subscription string, meta MessageMetadata)
	OnAckExtend func(ctx context.Context, subscription string, meta MessageMetadata, extendBy string)
	OnFailure   func(ctx context.Context, subscription string, meta MessageMetadata, err error)
	OnDuplicate func(ctx context.Context, subscription string, meta MessageMetadata)
	OnStreamErr func(ctx context.Context, subscription string, err error)
}

type MessageMetadata struct {
	ID         string
	AckID      string
	Attempt    int
	Attributes map[string]string
}
