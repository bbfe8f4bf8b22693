package pubsub

import (
	"context"

	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
)

// Service is the remote subscriber endpoint. Requests reaching it have already
// been prepared by the client's RequestBuilder.
// Implementations must be safe for concurrent use.
type Service interface {
	Pull(ctx context.Context, req *pubsubpb.PullRequest) (*pubsubpb.PullResponse, error)
	StreamingPull(ctx context.Context) (StreamingPullClient, error)
	Acknowledge(ctx context.Context, req *pubsubpb.AcknowledgeRequest) error
	ModifyAckDeadline(ctx context.Context, req *pubsubpb.ModifyAckDeadlineRequest) error
	DeleteSubscription(ctx context.Context, req *pubsubpb.DeleteSubscriptionRequest) error
	Close() error
}

// StreamingPullClient is the client half of a bidirectional streaming pull.
// Send and Recv may be called from different goroutines, but neither may be
// called concurrently with itself.
type StreamingPullClient interface {
	Send(*pubsubpb.StreamingPullRequest) error
	Recv() (*pubsubpb.StreamingPullResponse, error)
	CloseSend() error
}
