// Package inmem is an in-process pubsub.Service for tests and local
// development. Messages are published straight onto subscriptions; there are no
// topics.
package inmem

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/samber/lo"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/infigaming-com/go-pubsub/pubsub"
)

const (
	defaultPullWait    = 20 * time.Millisecond
	defaultMaxMessages = 100
)

var _ pubsub.Service = (*Service)(nil)

// Calls counts the requests the service has seen.
type Calls struct {
	Pull               int
	StreamingPull      int
	Acknowledge        int
	ModifyAckDeadline  int
	DeleteSubscription int
}

type Service struct {
	mu       sync.Mutex
	subs     map[string]*subscription
	seq      int64
	pullWait time.Duration
	pullErrs []error
	frames   []*pubsubpb.StreamingPullRequest
	calls    Calls
	lastMD   metadata.MD
	changed  chan struct{}
	closed   bool
	now      func() time.Time
}

type Option func(*Service)

// WithPullWait sets how long a blocking pull waits for messages before
// returning an empty response.
func WithPullWait(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pullWait = d
		}
	}
}

func New(opts ...Option) *Service {
	s := &Service{
		subs:     map[string]*subscription{},
		pullWait: defaultPullWait,
		changed:  make(chan struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type entry struct {
	msg      *pubsubpb.PubsubMessage
	attempts int32
}

type lease struct {
	entry    *entry
	deadline time.Time
}

type subscription struct {
	ackDeadline time.Duration
	raw         []*pubsubpb.ReceivedMessage
	ready       []*entry
	leases      map[string]*lease
	acked       []string
}

// CreateSubscription registers name using cfg's ack deadline.
func (s *Service) CreateSubscription(name string, cfg pubsub.SubscriptionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[name]; ok {
		return status.Errorf(codes.AlreadyExists, "subscription %s already exists", name)
	}
	deadline := cfg.AckDeadlineDuration()
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	s.subs[name] = &subscription{ackDeadline: deadline, leases: map[string]*lease{}}
	return nil
}

// Publish enqueues a message on subscription sub and returns its id.
func (s *Service) Publish(sub string, data []byte, attrs map[string]string) (string, error) {
	return s.PublishMessage(sub, &pubsubpb.PubsubMessage{Data: data, Attributes: attrs})
}

// PublishMessage enqueues msg. A missing id or publish time is filled in; an
// id already used is kept, which is how tests produce duplicate deliveries.
func (s *Service) PublishMessage(sub string, msg *pubsubpb.PubsubMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.subs[sub]
	if !ok {
		return "", status.Errorf(codes.NotFound, "subscription %s not found", sub)
	}
	m := proto.Clone(msg).(*pubsubpb.PubsubMessage)
	if m.MessageId == "" {
		s.seq++
		m.MessageId = fmt.Sprintf("m-%d", s.seq)
	}
	if m.PublishTime == nil {
		m.PublishTime = timestamppb.New(s.now())
	}
	state.ready = append(state.ready, &entry{msg: m})
	s.notifyLocked()
	return m.MessageId, nil
}

// Inject queues envelopes that are delivered verbatim, ahead of published
// messages and without lease tracking.
func (s *Service) Inject(sub string, envs ...*pubsubpb.ReceivedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.subs[sub]
	if !ok {
		return status.Errorf(codes.NotFound, "subscription %s not found", sub)
	}
	state.raw = append(state.raw, envs...)
	s.notifyLocked()
	return nil
}

// FailPulls makes the next len(errs) pulls fail with errs, in order.
func (s *Service) FailPulls(errs ...error) {
	s.mu.Lock()
	s.pullErrs = append(s.pullErrs, errs...)
	s.mu.Unlock()
}

// Outstanding reports messages delivered on sub and not settled yet.
func (s *Service) Outstanding(sub string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.subs[sub]; ok {
		return len(state.leases)
	}
	return 0
}

// Pending reports messages waiting for delivery on sub.
func (s *Service) Pending(sub string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.subs[sub]; ok {
		return len(state.ready) + len(state.raw)
	}
	return 0
}

// Acked returns the ids of messages acknowledged on sub, in order.
func (s *Service) Acked(sub string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.subs[sub]; ok {
		return append([]string(nil), state.acked...)
	}
	return nil
}

// Frames returns copies of every streaming pull request received so far.
func (s *Service) Frames() []*pubsubpb.StreamingPullRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Map(s.frames, func(f *pubsubpb.StreamingPullRequest, _ int) *pubsubpb.StreamingPullRequest {
		return proto.Clone(f).(*pubsubpb.StreamingPullRequest)
	})
}

func (s *Service) Calls() Calls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// LastMetadata returns the outgoing metadata of the latest request.
func (s *Service) LastMetadata() metadata.MD {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMD.Copy()
}

func (s *Service) Pull(ctx context.Context, req *pubsubpb.PullRequest) (*pubsubpb.PullResponse, error) {
	limit := int(req.GetMaxMessages())
	if limit <= 0 {
		limit = defaultMaxMessages
	}
	s.mu.Lock()
	s.calls.Pull++
	s.recordLocked(ctx)
	if len(s.pullErrs) > 0 {
		err := s.pullErrs[0]
		s.pullErrs = s.pullErrs[1:]
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.pullWait)
	defer timer.Stop()
	for {
		s.mu.Lock()
		state, err := s.lookupLocked(req.GetSubscription())
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		batch := s.deliverLocked(state, limit, state.ackDeadline)
		wake := s.changed
		s.mu.Unlock()
		if len(batch) > 0 || req.GetReturnImmediately() {
			return &pubsubpb.PullResponse{ReceivedMessages: batch}, nil
		}
		select {
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		case <-timer.C:
			return &pubsubpb.PullResponse{}, nil
		case <-wake:
		}
	}
}

func (s *Service) StreamingPull(ctx context.Context) (pubsub.StreamingPullClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.StreamingPull++
	s.recordLocked(ctx)
	if s.closed {
		return nil, status.Error(codes.Unavailable, "inmem: service closed")
	}
	return &stream{svc: s, ctx: ctx, halfClosed: make(chan struct{})}, nil
}

func (s *Service) Acknowledge(ctx context.Context, req *pubsubpb.AcknowledgeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Acknowledge++
	s.recordLocked(ctx)
	state, err := s.lookupLocked(req.GetSubscription())
	if err != nil {
		return err
	}
	s.ackLocked(state, req.GetAckIds())
	return nil
}

func (s *Service) ModifyAckDeadline(ctx context.Context, req *pubsubpb.ModifyAckDeadlineRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.ModifyAckDeadline++
	s.recordLocked(ctx)
	state, err := s.lookupLocked(req.GetSubscription())
	if err != nil {
		return err
	}
	for _, id := range req.GetAckIds() {
		s.modifyLocked(state, id, req.GetAckDeadlineSeconds())
	}
	return nil
}

func (s *Service) DeleteSubscription(ctx context.Context, req *pubsubpb.DeleteSubscriptionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.DeleteSubscription++
	s.recordLocked(ctx)
	if _, err := s.lookupLocked(req.GetSubscription()); err != nil {
		return err
	}
	delete(s.subs, req.GetSubscription())
	s.notifyLocked()
	return nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.notifyLocked()
	return nil
}

func (s *Service) recordLocked(ctx context.Context) {
	md, _ := metadata.FromOutgoingContext(ctx)
	s.lastMD = md
}

func (s *Service) lookupLocked(name string) (*subscription, error) {
	if s.closed {
		return nil, status.Error(codes.Unavailable, "inmem: service closed")
	}
	state, ok := s.subs[name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "subscription %s not found", name)
	}
	return state, nil
}

func (s *Service) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// deliverLocked hands out up to limit envelopes, first returning expired leases
// to the queue.
func (s *Service) deliverLocked(state *subscription, limit int, deadline time.Duration) []*pubsubpb.ReceivedMessage {
	now := s.now()
	for ackID, l := range state.leases {
		if now.After(l.deadline) {
			delete(state.leases, ackID)
			state.ready = append(state.ready, l.entry)
		}
	}
	var out []*pubsubpb.ReceivedMessage
	for len(out) < limit && len(state.raw) > 0 {
		out = append(out, state.raw[0])
		state.raw = state.raw[1:]
	}
	for len(out) < limit && len(state.ready) > 0 {
		e := state.ready[0]
		state.ready = state.ready[1:]
		e.attempts++
		s.seq++
		ackID := fmt.Sprintf("%s-ack-%d", e.msg.GetMessageId(), s.seq)
		state.leases[ackID] = &lease{entry: e, deadline: now.Add(deadline)}
		out = append(out, &pubsubpb.ReceivedMessage{
			AckId:           ackID,
			Message:         proto.Clone(e.msg).(*pubsubpb.PubsubMessage),
			DeliveryAttempt: e.attempts,
		})
	}
	return out
}

func (s *Service) ackLocked(state *subscription, ackIDs []string) {
	for _, id := range ackIDs {
		l, ok := state.leases[id]
		if !ok {
			continue
		}
		delete(state.leases, id)
		state.acked = append(state.acked, l.entry.msg.GetMessageId())
	}
}

// modifyLocked re-leases ackID for seconds; zero requeues it at once.
func (s *Service) modifyLocked(state *subscription, ackID string, seconds int32) {
	l, ok := state.leases[ackID]
	if !ok {
		return
	}
	if seconds <= 0 {
		delete(state.leases, ackID)
		state.ready = append(state.ready, l.entry)
		s.notifyLocked()
		return
	}
	l.deadline = s.now().Add(time.Duration(seconds) * time.Second)
}

type stream struct {
	svc *Service
	ctx context.Context

	mu           sync.Mutex
	subscription string
	deadline     time.Duration
	opened       bool
	err          error

	halfOnce   sync.Once
	halfClosed chan struct{}
}

func (st *stream) Send(req *pubsubpb.StreamingPullRequest) error {
	if err := st.ctx.Err(); err != nil {
		return io.EOF
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.err != nil {
		return io.EOF
	}

	s := st.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, proto.Clone(req).(*pubsubpb.StreamingPullRequest))

	if !st.opened {
		st.opened = true
		if _, err := s.lookupLocked(req.GetSubscription()); err != nil {
			st.err = err
			return nil
		}
		if req.GetStreamAckDeadlineSeconds() <= 0 {
			st.err = status.Error(codes.InvalidArgument, "stream_ack_deadline_seconds must be set")
			return nil
		}
		st.subscription = req.GetSubscription()
		st.deadline = time.Duration(req.GetStreamAckDeadlineSeconds()) * time.Second
	} else if req.GetSubscription() != "" {
		st.err = status.Error(codes.InvalidArgument, "subscription may only be set on the first request")
		s.notifyLocked()
		return nil
	} else if req.GetStreamAckDeadlineSeconds() > 0 {
		st.deadline = time.Duration(req.GetStreamAckDeadlineSeconds()) * time.Second
	}
	if len(req.GetModifyDeadlineAckIds()) != len(req.GetModifyDeadlineSeconds()) {
		st.err = status.Error(codes.InvalidArgument, "modify_deadline_ack_ids and modify_deadline_seconds differ in length")
		s.notifyLocked()
		return nil
	}

	state, err := s.lookupLocked(st.subscription)
	if err != nil {
		return nil
	}
	s.ackLocked(state, req.GetAckIds())
	for i, id := range req.GetModifyDeadlineAckIds() {
		s.modifyLocked(state, id, req.GetModifyDeadlineSeconds()[i])
	}
	return nil
}

func (st *stream) Recv() (*pubsubpb.StreamingPullResponse, error) {
	for {
		select {
		case <-st.halfClosed:
			return nil, io.EOF
		default:
		}
		st.mu.Lock()
		err := st.err
		sub, deadline, opened := st.subscription, st.deadline, st.opened
		st.mu.Unlock()
		if err != nil {
			return nil, err
		}

		s := st.svc
		s.mu.Lock()
		var batch []*pubsubpb.ReceivedMessage
		if opened {
			state, lookupErr := s.lookupLocked(sub)
			if lookupErr != nil {
				s.mu.Unlock()
				return nil, lookupErr
			}
			batch = s.deliverLocked(state, defaultMaxMessages, deadline)
		}
		wake := s.changed
		s.mu.Unlock()
		if len(batch) > 0 {
			return &pubsubpb.StreamingPullResponse{ReceivedMessages: batch}, nil
		}

		select {
		case <-st.ctx.Done():
			return nil, status.FromContextError(st.ctx.Err()).Err()
		case <-st.halfClosed:
			return nil, io.EOF
		case <-wake:
		case <-time.After(s.pullWait):
		}
	}
}

func (st *stream) CloseSend() error {
	st.halfOnce.Do(func() { close(st.halfClosed) })
	return nil
}
