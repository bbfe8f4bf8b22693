package pubsub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/samber/lo"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"
)

type SessionState int32

const (
	StateOpening SessionState = iota
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("SessionState(%d)", int32(s))
}

// defaultStreamAckDeadline is used when the opening frame does not set one;
// the service rejects streams without a deadline.
const defaultStreamAckDeadline = 10

// maxAckIDsPerFrame keeps acknowledgement frames and unary settlement
// requests under the service's request size limit.
const maxAckIDsPerFrame = 2500

// sinkQueue is the number of outbound frames that may wait for transmission.
const sinkQueue = 64

// Session is one bidirectional streaming pull. Recv consumes inbound batches;
// Sink accepts outbound ack and deadline frames. The two halves may be driven
// from different goroutines.
type Session struct {
	subscription string
	stream       StreamingPullClient
	ctx          context.Context
	cancel       context.CancelFunc
	drainTimeout time.Duration
	sink         *Sink
	logger       Logger
	hooks        Hooks

	state   atomic.Int32
	closing atomic.Bool
	recvErr error
}

// OpenStreamingPull opens a streaming pull. opts form the opening frame, the
// only one carrying the subscription name.
func (s *Subscription) OpenStreamingPull(ctx context.Context, opts ReceiveStreamOptions) (*Session, error) {
	if s.deleted {
		return nil, ErrSubscriptionDeleted
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	deadline := opts.StreamAckDeadlineSeconds
	if deadline == 0 {
		deadline = defaultStreamAckDeadline
	}
	initial := &pubsubpb.StreamingPullRequest{
		Subscription:             s.name,
		AckIds:                   opts.AckIDs,
		ModifyDeadlineSeconds:    opts.ModifyDeadlineSeconds,
		ModifyDeadlineAckIds:     opts.ModifyDeadlineAckIDs,
		StreamAckDeadlineSeconds: deadline,
		ClientId:                 s.clientID,
	}
	callCtx, err := s.client.prepare(ctx, initial)
	if err != nil {
		return nil, err
	}
	streamCtx, cancel := context.WithCancel(callCtx)
	stream, err := s.client.service.StreamingPull(streamCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("pubsub: open streaming pull %s: %w", s.name, err)
	}
	sess := &Session{
		subscription: s.name,
		stream:       stream,
		ctx:          streamCtx,
		cancel:       cancel,
		drainTimeout: s.client.opts.drainTimeout,
		logger:       s.client.logger(),
		hooks:        s.client.hooks(),
	}
	if err := stream.Send(initial); err != nil {
		cancel()
		return nil, fmt.Errorf("pubsub: open streaming pull %s: %w", s.name, err)
	}
	sess.markActive()
	sess.sink = newSink(sess)
	s.client.logger().Debug(ctx, "streaming pull opened", "subscription", s.name, "stream_ack_deadline", deadline)
	return sess, nil
}

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

func (s *Session) Sink() *Sink { return s.sink }

// Recv returns the next inbound batch, translated in arrival order. It returns
// iterator.Done once the stream has ended normally. Recv must not be called
// concurrently with itself.
//
// A batch holding a malformed envelope fails with ErrProtocolViolation; the
// well-formed envelopes of that batch are handed back to the service for
// redelivery.
func (s *Session) Recv() ([]*Message, error) {
	if s.recvErr != nil {
		return nil, s.recvErr
	}
	resp, err := s.stream.Recv()
	if err != nil {
		s.markClosed()
		s.cancel()
		if errors.Is(err, io.EOF) || s.closing.Load() {
			s.recvErr = iterator.Done
			return nil, iterator.Done
		}
		if s.hooks.OnStreamErr != nil {
			s.hooks.OnStreamErr(context.Background(), s.subscription, err)
		}
		s.recvErr = fmt.Errorf("pubsub: streaming pull %s: %w", s.subscription, err)
		return nil, s.recvErr
	}
	s.markActive()
	msgs, err := translateBatch(s.subscription, resp.GetReceivedMessages(), s.sink)
	if err != nil {
		s.logger.Error(context.Background(), "malformed envelope in stream", "subscription", s.subscription, "err", err)
		s.release(resp.GetReceivedMessages())
		return nil, err
	}
	if s.hooks.OnReceive != nil {
		for _, msg := range msgs {
			s.hooks.OnReceive(context.Background(), s.subscription, msg.metadata())
		}
	}
	return msgs, nil
}

// release nacks the well-formed envelopes of a rejected batch.
func (s *Session) release(envs []*pubsubpb.ReceivedMessage) {
	ackIDs := lo.FilterMap(envs, func(env *pubsubpb.ReceivedMessage, _ int) (string, bool) {
		return env.GetAckId(), env.GetAckId() != "" && env.GetMessage().GetPublishTime() != nil
	})
	if err := s.sink.Nack(s.ctx, ackIDs...); err != nil {
		s.logger.Warn(context.Background(), "release of well-formed envelopes failed",
			"subscription", s.subscription, "count", len(ackIDs), "err", err)
	}
}

// Close flushes and closes the sink, then tears the stream down. Pending Recv
// calls end with iterator.Done.
func (s *Session) Close() error {
	s.closing.Store(true)
	err := s.sink.Close()
	s.cancel()
	return err
}

func (s *Session) markActive() {
	s.state.CompareAndSwap(int32(StateOpening), int32(StateActive))
}

func (s *Session) markClosed() {
	s.state.Store(int32(StateClosed))
}

// Sink is the outbound half of a Session. Frames are transmitted in the order
// Send accepted them. It is safe for concurrent use.
type Sink struct {
	session *Session
	frames  chan *pubsubpb.StreamingPullRequest
	done    chan struct{}

	// stopping releases senders waiting on a full queue once Close starts.
	stopping chan struct{}
	stopOnce sync.Once

	mu     sync.RWMutex
	closed bool

	errMu sync.Mutex
	err   error
}

func newSink(session *Session) *Sink {
	k := &Sink{
		session:  session,
		frames:   make(chan *pubsubpb.StreamingPullRequest, sinkQueue),
		done:     make(chan struct{}),
		stopping: make(chan struct{}),
	}
	go k.run()
	return k
}

// Send queues one control frame.
func (k *Sink) Send(ctx context.Context, opts ReceiveStreamOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}
	return k.SendRequest(ctx, &pubsubpb.StreamingPullRequest{
		AckIds:                   opts.AckIDs,
		ModifyDeadlineSeconds:    opts.ModifyDeadlineSeconds,
		ModifyDeadlineAckIds:     opts.ModifyDeadlineAckIDs,
		StreamAckDeadlineSeconds: opts.StreamAckDeadlineSeconds,
	})
}

// Ack queues acknowledgements for ackIDs, split across as many frames as needed.
func (k *Sink) Ack(ctx context.Context, ackIDs ...string) error {
	for _, chunk := range lo.Chunk(ackIDs, maxAckIDsPerFrame) {
		if err := k.Send(ctx, ReceiveStreamOptions{AckIDs: chunk}); err != nil {
			return err
		}
	}
	return nil
}

// Nack returns ackIDs to the service for immediate redelivery.
func (k *Sink) Nack(ctx context.Context, ackIDs ...string) error {
	for _, chunk := range lo.Chunk(ackIDs, maxAckIDsPerFrame) {
		if err := k.Send(ctx, ReceiveStreamOptions{
			ModifyDeadlineAckIDs:  chunk,
			ModifyDeadlineSeconds: make([]int32, len(chunk)),
		}); err != nil {
			return err
		}
	}
	return nil
}

// SendRequest queues a raw frame. The subscription and client id are stripped:
// both may only appear on the opening frame.
func (k *Sink) SendRequest(ctx context.Context, req *pubsubpb.StreamingPullRequest) error {
	if req == nil {
		return nil
	}
	frame := proto.Clone(req).(*pubsubpb.StreamingPullRequest)
	frame.Subscription = ""
	frame.ClientId = ""

	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed || k.session.State() == StateClosed {
		return ErrSessionClosed
	}
	select {
	case k.frames <- frame:
		return nil
	case <-k.done:
		return k.failure()
	case <-k.stopping:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting frames, waits for queued frames to be transmitted and
// half-closes the stream, telling the service to end the session. When the
// queue does not drain within the session's drain timeout the stream is torn
// down and the remaining frames are dropped.
func (k *Sink) Close() error {
	k.stopOnce.Do(func() { close(k.stopping) })
	k.mu.Lock()
	if !k.closed {
		k.closed = true
		close(k.frames)
	}
	k.mu.Unlock()

	timer := time.NewTimer(k.session.drainTimeout)
	defer timer.Stop()
	select {
	case <-k.done:
	case <-timer.C:
		k.setErr(ErrSessionClosed.Wrap(fmt.Errorf("outbound frames not drained within %s", k.session.drainTimeout)))
		k.session.cancel()
		<-k.done
	}
	k.session.markClosed()
	k.errMu.Lock()
	defer k.errMu.Unlock()
	return k.err
}

// run transmits queued frames until the queue is closed or the stream ends.
func (k *Sink) run() {
	defer close(k.done)
	for {
		var frame *pubsubpb.StreamingPullRequest
		var ok bool
		select {
		case frame, ok = <-k.frames:
		case <-k.session.ctx.Done():
			return
		}
		if !ok {
			break
		}
		if err := k.session.stream.Send(frame); err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrSessionClosed
			}
			k.setErr(err)
			k.session.markClosed()
			k.session.logger.Warn(context.Background(), "streaming pull send failed", "subscription", k.session.subscription, "err", err)
			return
		}
		k.session.markActive()
	}
	if err := k.session.stream.CloseSend(); err != nil {
		k.setErr(err)
	}
}

func (k *Sink) setErr(err error) {
	k.errMu.Lock()
	if k.err == nil {
		k.err = err
	}
	k.errMu.Unlock()
}

func (k *Sink) failure() error {
	k.errMu.Lock()
	defer k.errMu.Unlock()
	if k.err != nil {
		return k.err
	}
	return ErrSessionClosed
}

func (k *Sink) ack(ctx context.Context, ackID string) error {
	return k.Send(ctx, ReceiveStreamOptions{AckIDs: []string{ackID}})
}

func (k *Sink) modify(ctx context.Context, ackID string, seconds int32) error {
	return k.Send(ctx, ReceiveStreamOptions{
		ModifyDeadlineAckIDs:  []string{ackID},
		ModifyDeadlineSeconds: []int32{seconds},
	})
}
