package google

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	pullOpts []gax.CallOption
	err      error
	closed   bool
	deadline bool
}

func (f *fakeClient) Pull(_ context.Context, _ *pubsubpb.PullRequest, opts ...gax.CallOption) (*pubsubpb.PullResponse, error) {
	f.pullOpts = opts
	return &pubsubpb.PullResponse{}, f.err
}

func (f *fakeClient) StreamingPull(context.Context, ...gax.CallOption) (pubsubpb.Subscriber_StreamingPullClient, error) {
	return nil, f.err
}

func (f *fakeClient) Acknowledge(ctx context.Context, _ *pubsubpb.AcknowledgeRequest, _ ...gax.CallOption) error {
	_, f.deadline = ctx.Deadline()
	return f.err
}

func (f *fakeClient) ModifyAckDeadline(context.Context, *pubsubpb.ModifyAckDeadlineRequest, ...gax.CallOption) error {
	return f.err
}

func (f *fakeClient) DeleteSubscription(context.Context, *pubsubpb.DeleteSubscriptionRequest, ...gax.CallOption) error {
	return f.err
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func TestService_InjectedClient(t *testing.T) {
	ctx := context.Background()
	fake := &fakeClient{}
	svc, err := New(ctx, Config{Client: fake})
	require.NoError(t, err)

	_, err = svc.Pull(ctx, &pubsubpb.PullRequest{Subscription: "projects/p/subscriptions/s"})
	require.NoError(t, err)
	assert.Len(t, fake.pullOpts, 1)

	require.NoError(t, svc.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{}))
	assert.True(t, fake.deadline)

	require.NoError(t, svc.Close())
	assert.False(t, fake.closed)
}

func TestService_WrapsErrors(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("unavailable")
	svc, err := New(ctx, Config{Client: &fakeClient{err: cause}})
	require.NoError(t, err)

	_, err = svc.Pull(ctx, &pubsubpb.PullRequest{Subscription: "projects/p/subscriptions/s"})
	assert.ErrorIs(t, err, cause)
	_, err = svc.StreamingPull(ctx)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, svc.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{}), cause)
	assert.ErrorIs(t, svc.ModifyAckDeadline(ctx, &pubsubpb.ModifyAckDeadlineRequest{}), cause)
	assert.ErrorIs(t, svc.DeleteSubscription(ctx, &pubsubpb.DeleteSubscriptionRequest{}), cause)

	_, err = svc.Pull(ctx, &pubsubpb.PullRequest{})
	assert.Error(t, err)
}

func TestConfig_ClientOptions(t *testing.T) {
	assert.Len(t, Config{EmulatorHost: "localhost:8085"}.clientOptions(), 3)
	assert.Len(t, Config{CredentialsJSON: "{}", CredentialsFile: "ignored.json", Endpoint: "e:443", UserAgent: "ua"}.clientOptions(), 3)
	assert.Empty(t, Config{}.clientOptions())
}
