package pubsub

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// stallingStream accepts the opening frame; with stall set, later sends block
// until the stream context ends, as a gRPC send does under flow control.
type stallingStream struct {
	ctx     context.Context
	stall   bool
	inbound chan error

	mu   sync.Mutex
	sent int
}

func (s *stallingStream) Send(*pubsubpb.StreamingPullRequest) error {
	s.mu.Lock()
	s.sent++
	first := s.sent == 1
	s.mu.Unlock()
	if s.stall && !first {
		<-s.ctx.Done()
		return io.EOF
	}
	return nil
}

func (s *stallingStream) Recv() (*pubsubpb.StreamingPullResponse, error) {
	select {
	case err := <-s.inbound:
		return nil, err
	case <-s.ctx.Done():
		return nil, status.FromContextError(s.ctx.Err()).Err()
	}
}

func (s *stallingStream) CloseSend() error { return nil }

type streamOnlyService struct {
	Service
	stall  bool
	stream *stallingStream
}

func (f *streamOnlyService) StreamingPull(ctx context.Context) (StreamingPullClient, error) {
	f.stream = &stallingStream{ctx: ctx, stall: f.stall, inbound: make(chan error, 1)}
	return f.stream, nil
}

func (f *streamOnlyService) Close() error { return nil }

func openStalling(t *testing.T, stall bool, opts ...Option) (*streamOnlyService, *Session) {
	t.Helper()
	svc := &streamOnlyService{stall: stall}
	client, err := New(svc, opts...)
	require.NoError(t, err)
	sub, err := client.Subscription("projects/p/subscriptions/s")
	require.NoError(t, err)
	sess, err := sub.OpenStreamingPull(context.Background(), ReceiveStreamOptions{})
	require.NoError(t, err)
	return svc, sess
}

func TestSession_InboundFailureStopsSender(t *testing.T) {
	svc, sess := openStalling(t, false)

	svc.stream.inbound <- status.Error(codes.Unavailable, "connection reset")
	_, err := sess.Recv()
	assert.Equal(t, codes.Unavailable, status.Code(err))

	select {
	case <-sess.sink.done:
	case <-time.After(2 * time.Second):
		t.Fatal("sender goroutine still running after the inbound stream ended")
	}
	assert.ErrorIs(t, sess.Sink().Send(context.Background(), ReceiveStreamOptions{AckIDs: []string{"a"}}), ErrSessionClosed)
}

func TestSession_CloseBoundedWhenSendStalls(t *testing.T) {
	_, sess := openStalling(t, true, WithDrainTimeout(20*time.Millisecond))
	require.NoError(t, sess.Sink().Send(context.Background(), ReceiveStreamOptions{AckIDs: []string{"a"}}))

	done := make(chan error, 1)
	go func() { done <- sess.Close() }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a stalled send")
	}
	assert.Equal(t, StateClosed, sess.State())
}
