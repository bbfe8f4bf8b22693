package pubsub_test

import (
	"context"
	"errors"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/infigaming-com/go-pubsub/pubsub"
	"github.com/infigaming-com/go-pubsub/pubsub/driver/inmem"
)

var subName = pubsub.SubscriptionName("p", "my-sub")

var fastRetry = pubsub.RetryPolicy{
	MaxAttempts:    5,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     5 * time.Millisecond,
	Multiplier:     2,
}

func setup(t *testing.T, opts ...pubsub.Option) (*inmem.Service, *pubsub.Subscription) {
	t.Helper()
	svc := inmem.New(inmem.WithPullWait(5 * time.Millisecond))
	require.NoError(t, svc.CreateSubscription(subName, pubsub.DefaultSubscriptionConfig()))
	client, err := pubsub.New(svc, append([]pubsub.Option{pubsub.WithRetryPolicy(fastRetry)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	sub, err := client.Subscription(subName)
	require.NoError(t, err)
	return svc, sub
}

func publish(t *testing.T, svc *inmem.Service, payloads ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		id, err := svc.Publish(subName, []byte(p), nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func immediate(n int32) pubsub.ReceiveOptions {
	return pubsub.ReceiveOptions{ReturnImmediately: true, MaxMessages: n}
}

func TestSubscription_ID(t *testing.T) {
	_, sub := setup(t)
	assert.Equal(t, "projects/p/subscriptions/my-sub", sub.Name())
	assert.Equal(t, "my-sub", sub.ID())
}

func TestReceive_FIFOAcrossBatches(t *testing.T) {
	svc, sub := setup(t)
	ctx := context.Background()
	publish(t, svc, "a", "b", "c")

	var got []string
	for i := 0; i < 3; i++ {
		msg, err := sub.ReceiveWithOptions(ctx, immediate(2))
		require.NoError(t, err)
		got = append(got, string(msg.Data()))
		if i == 0 {
			assert.Equal(t, 1, sub.Buffered())
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	// the second message came from the buffer
	assert.Equal(t, 2, svc.Calls().Pull)
}

func TestReceive_ReturnImmediatelyEmpty(t *testing.T) {
	_, sub := setup(t)
	msg, err := sub.ReceiveWithOptions(context.Background(), immediate(1))
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, iterator.Done)
}

func TestReceive_EmptyPullThenMessage(t *testing.T) {
	svc, sub := setup(t)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = svc.Publish(subName, []byte("late"), nil)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), msg.Data())
	assert.GreaterOrEqual(t, svc.Calls().Pull, 2)
}

func TestReceive_TranslatesEnvelope(t *testing.T) {
	svc, sub := setup(t)
	require.NoError(t, svc.Inject(subName, &pubsubpb.ReceivedMessage{
		AckId: "ack-1",
		Message: &pubsubpb.PubsubMessage{
			Data:        []byte("payload"),
			MessageId:   "id-1",
			Attributes:  map[string]string{"k": "v"},
			PublishTime: &timestamppb.Timestamp{Seconds: 1000, Nanos: 500000000},
			OrderingKey: "key",
		},
		DeliveryAttempt: 3,
	}))

	msg, err := sub.ReceiveWithOptions(context.Background(), immediate(10))
	require.NoError(t, err)
	assert.Equal(t, subName, msg.Subscription())
	assert.Equal(t, "id-1", msg.ID())
	assert.Equal(t, "ack-1", msg.AckID())
	assert.Equal(t, []byte("payload"), msg.Data())
	assert.Equal(t, map[string]string{"k": "v"}, msg.Attributes())
	assert.Equal(t, time.Unix(1000, 500000000).UTC(), msg.PublishTime())
	assert.Equal(t, time.UTC, msg.PublishTime().Location())
	assert.Equal(t, "key", msg.OrderingKey())
	assert.Equal(t, 3, msg.DeliveryAttempt())

	msg.Attributes()["k"] = "changed"
	msg.Data()[0] = 'X'
	assert.Equal(t, "v", msg.Attributes()["k"])
	assert.Equal(t, []byte("payload"), msg.Data())
}

func TestReceive_ProtocolViolation(t *testing.T) {
	tests := []struct {
		name string
		env  *pubsubpb.ReceivedMessage
	}{
		{name: "missing message", env: &pubsubpb.ReceivedMessage{AckId: "a"}},
		{name: "missing publish time", env: &pubsubpb.ReceivedMessage{AckId: "a", Message: &pubsubpb.PubsubMessage{MessageId: "m"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, sub := setup(t)
			require.NoError(t, svc.Inject(subName, tt.env))
			msg, err := sub.ReceiveWithOptions(context.Background(), immediate(1))
			assert.Nil(t, msg)
			assert.ErrorIs(t, err, pubsub.ErrProtocolViolation)
		})
	}
}

func TestReceive_RetriesTransientFailures(t *testing.T) {
	var pullErrors atomic.Int32
	svc, sub := setup(t, pubsub.WithHooks(pubsub.Hooks{
		OnPullError: func(context.Context, string, int, error) { pullErrors.Add(1) },
	}))
	svc.FailPulls(status.Error(codes.Unavailable, "down"), status.Error(codes.Internal, "oops"))
	publish(t, svc, "a")

	msg, err := sub.ReceiveWithOptions(context.Background(), immediate(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), msg.Data())
	assert.Equal(t, 3, svc.Calls().Pull)
	assert.Equal(t, int32(2), pullErrors.Load())
}

func TestReceive_PermanentFailure(t *testing.T) {
	svc, sub := setup(t)
	svc.FailPulls(status.Error(codes.PermissionDenied, "no"))

	_, err := sub.ReceiveWithOptions(context.Background(), immediate(1))
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	assert.NotErrorIs(t, err, pubsub.ErrPullExhausted)
	assert.Equal(t, 1, svc.Calls().Pull)
}

func TestReceive_RetriesExhausted(t *testing.T) {
	policy := fastRetry
	policy.MaxAttempts = 3
	svc, sub := setup(t, pubsub.WithRetryPolicy(policy))
	for i := 0; i < 3; i++ {
		svc.FailPulls(status.Error(codes.Unavailable, "down"))
	}
	publish(t, svc, "never")

	_, err := sub.ReceiveWithOptions(context.Background(), immediate(1))
	assert.ErrorIs(t, err, pubsub.ErrPullExhausted)
	assert.Equal(t, 3, svc.Calls().Pull)
	assert.Equal(t, 0, sub.Buffered())
}

func TestReceive_RetryForever(t *testing.T) {
	policy := fastRetry
	policy.MaxAttempts = pubsub.RetryForever
	svc, sub := setup(t, pubsub.WithRetryPolicy(policy))
	for i := 0; i < 8; i++ {
		svc.FailPulls(status.Error(codes.Unavailable, "down"))
	}
	publish(t, svc, "eventually")

	msg, err := sub.ReceiveWithOptions(context.Background(), immediate(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("eventually"), msg.Data())
	assert.Equal(t, 9, svc.Calls().Pull)
}

func TestReceive_ContextCancelled(t *testing.T) {
	policy := fastRetry
	policy.MaxAttempts = pubsub.RetryForever
	svc, sub := setup(t, pubsub.WithRetryPolicy(policy))
	for i := 0; i < 1000; i++ {
		svc.FailPulls(status.Error(codes.Unavailable, "down"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := sub.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, sub.Buffered())
}

func TestReceive_BuilderFailure(t *testing.T) {
	svc, sub := setup(t, pubsub.WithRequestBuilder(pubsub.RequestBuilderFunc(
		func(context.Context, proto.Message) (context.Context, error) {
			return nil, errors.New("no credentials")
		})))

	_, err := sub.ReceiveWithOptions(context.Background(), immediate(1))
	assert.ErrorIs(t, err, pubsub.ErrRequestConstruction)
	assert.Equal(t, 0, svc.Calls().Pull)
}

func TestReceive_RoutingHeader(t *testing.T) {
	svc, sub := setup(t)
	publish(t, svc, "a")
	_, err := sub.ReceiveWithOptions(context.Background(), immediate(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"subscription=" + url.QueryEscape(subName)}, svc.LastMetadata().Get("x-goog-request-params"))
}

func TestDelete_ConsumesHandle(t *testing.T) {
	svc, sub := setup(t)
	ctx := context.Background()
	require.NoError(t, sub.Delete(ctx))
	assert.Equal(t, 1, svc.Calls().DeleteSubscription)

	_, err := sub.Receive(ctx)
	assert.ErrorIs(t, err, pubsub.ErrSubscriptionDeleted)
	assert.ErrorIs(t, sub.Delete(ctx), pubsub.ErrSubscriptionDeleted)
	_, err = sub.OpenStreamingPull(ctx, pubsub.ReceiveStreamOptions{})
	assert.ErrorIs(t, err, pubsub.ErrSubscriptionDeleted)
	assert.Equal(t, 1, svc.Calls().DeleteSubscription)
}

func TestDelete_FailureStillConsumes(t *testing.T) {
	svc, sub := setup(t)
	ctx := context.Background()
	clone := sub.Clone()
	require.NoError(t, sub.Delete(ctx))

	err := clone.Delete(ctx)
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.ErrorIs(t, clone.Delete(ctx), pubsub.ErrSubscriptionDeleted)
	assert.Equal(t, 2, svc.Calls().DeleteSubscription)
}

func TestClone_CopiesBuffer(t *testing.T) {
	svc, sub := setup(t)
	ctx := context.Background()
	publish(t, svc, "a", "b")

	first, err := sub.ReceiveWithOptions(ctx, immediate(2))
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), first.Data())

	clone := sub.Clone()
	assert.Equal(t, 1, clone.Buffered())
	fromClone, err := clone.ReceiveWithOptions(ctx, immediate(2))
	require.NoError(t, err)
	fromOriginal, err := sub.ReceiveWithOptions(ctx, immediate(2))
	require.NoError(t, err)
	assert.Equal(t, fromOriginal.AckID(), fromClone.AckID())
	assert.Equal(t, 1, svc.Calls().Pull)

	for _, h := range []*pubsub.Subscription{sub, clone} {
		sess, err := h.OpenStreamingPull(ctx, pubsub.ReceiveStreamOptions{})
		require.NoError(t, err)
		require.NoError(t, sess.Close())
	}
	frames := svc.Frames()
	require.Len(t, frames, 2)
	assert.NotEmpty(t, frames[0].GetClientId())
	assert.NotEmpty(t, frames[1].GetClientId())
	assert.NotEqual(t, frames[0].GetClientId(), frames[1].GetClientId())
}

func TestMessage_AckOnce(t *testing.T) {
	svc, sub := setup(t)
	ctx := context.Background()
	ids := publish(t, svc, "a")

	msg, err := sub.ReceiveWithOptions(ctx, immediate(1))
	require.NoError(t, err)
	require.NoError(t, msg.Ack(ctx))
	require.NoError(t, msg.Ack(ctx))
	require.NoError(t, msg.Nack(ctx))
	require.NoError(t, msg.ModifyAckDeadline(ctx, time.Minute))

	assert.Equal(t, ids, svc.Acked(subName))
	assert.Equal(t, 1, svc.Calls().Acknowledge)
	assert.Equal(t, 0, svc.Calls().ModifyAckDeadline)
	assert.Equal(t, 0, svc.Outstanding(subName))
}

func TestMessage_NackRedelivers(t *testing.T) {
	svc, sub := setup(t)
	ctx := context.Background()
	publish(t, svc, "a")

	msg, err := sub.ReceiveWithOptions(ctx, immediate(1))
	require.NoError(t, err)
	require.NoError(t, msg.ModifyAckDeadline(ctx, 30*time.Second))
	require.NoError(t, msg.Nack(ctx))
	assert.Equal(t, 2, svc.Calls().ModifyAckDeadline)

	again, err := sub.ReceiveWithOptions(ctx, immediate(1))
	require.NoError(t, err)
	assert.Equal(t, msg.ID(), again.ID())
	assert.Equal(t, 2, again.DeliveryAttempt())
}

func TestSubscription_AcknowledgeChunks(t *testing.T) {
	svc, sub := setup(t)
	ids := make([]string, 2600)
	for i := range ids {
		ids[i] = "unknown"
	}
	require.NoError(t, sub.Acknowledge(context.Background(), ids...))
	assert.Equal(t, 2, svc.Calls().Acknowledge)
	require.NoError(t, sub.Acknowledge(context.Background()))
	assert.Equal(t, 2, svc.Calls().Acknowledge)
}

func TestClient_Subscription(t *testing.T) {
	svc := inmem.New()
	client, err := pubsub.New(svc)
	require.NoError(t, err)

	for _, name := range []string{"", "my-sub", "/my-sub", "projects/p/subscriptions/"} {
		_, err := client.Subscription(name)
		assert.ErrorIs(t, err, pubsub.ErrInvalidSubscriptionName, name)
	}

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	_, err = client.Subscription(subName)
	assert.ErrorIs(t, err, pubsub.ErrClientClosed)

	_, err = pubsub.New(nil)
	assert.Error(t, err)
}

func TestClient_ClosedFailsCalls(t *testing.T) {
	svc := inmem.New()
	require.NoError(t, svc.CreateSubscription(subName, pubsub.DefaultSubscriptionConfig()))
	client, err := pubsub.New(svc)
	require.NoError(t, err)
	sub, err := client.Subscription(subName)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = sub.ReceiveWithOptions(context.Background(), immediate(1))
	assert.ErrorIs(t, err, pubsub.ErrClientClosed)
	assert.Equal(t, 0, svc.Calls().Pull)
}
