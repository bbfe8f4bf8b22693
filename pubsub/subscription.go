package pubsub

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/samber/lo"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/infigaming-com/go-pubsub/pubsub/internal/backoff"
	"github.com/infigaming-com/go-pubsub/util"
)

// Subscription is a handle on one subscription. It buffers pulled envelopes
// that have not been handed out yet.
//
// A Subscription has a single owner: Receive, ReceiveWithOptions and Delete
// must not be called concurrently on the same handle. Use Clone for another
// independent reader.
type Subscription struct {
	client   *Client
	name     string
	clientID string
	buffer   []*pubsubpb.ReceivedMessage
	deleted  bool
}

func newSubscription(client *Client, name string) *Subscription {
	return &Subscription{
		client:   client,
		name:     name,
		clientID: util.NewUUID(),
	}
}

func (s *Subscription) Name() string { return s.name }

// ID returns the subscription id, the last segment of its name.
func (s *Subscription) ID() string {
	return s.name[strings.LastIndex(s.name, "/")+1:]
}

// Buffered reports how many pulled envelopes are waiting to be received.
func (s *Subscription) Buffered() int { return len(s.buffer) }

// Clone returns an independent handle on the same subscription, carrying a
// copy of the buffered envelopes. The clone streams under its own client id.
func (s *Subscription) Clone() *Subscription {
	return &Subscription{
		client:   s.client,
		name:     s.name,
		clientID: util.NewUUID(),
		buffer:   slices.Clone(s.buffer),
		deleted:  s.deleted,
	}
}

func (s *Subscription) Receive(ctx context.Context) (*Message, error) {
	return s.ReceiveWithOptions(ctx, DefaultReceiveOptions())
}

// ReceiveWithOptions returns the next message, pulling a new batch only when
// the buffer is empty. With ReturnImmediately set an empty pull ends retrieval
// with iterator.Done; otherwise it pulls until a message arrives or ctx ends.
func (s *Subscription) ReceiveWithOptions(ctx context.Context, opts ReceiveOptions) (*Message, error) {
	if s.deleted {
		return nil, ErrSubscriptionDeleted
	}
	opts = opts.normalized()
	logger := s.client.logger()
	for {
		if len(s.buffer) > 0 {
			env := s.pop()
			msg, err := translate(s.name, env, unarySettler{sub: s})
			if err != nil {
				logger.Error(ctx, "malformed envelope", "subscription", s.name, "ack_id", env.GetAckId(), "err", err)
				return nil, err
			}
			if h := s.client.hooks().OnReceive; h != nil {
				h(ctx, s.name, msg.metadata())
			}
			return msg, nil
		}
		batch, err := s.pull(ctx, opts)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			if opts.ReturnImmediately {
				return nil, iterator.Done
			}
			if err := backoff.Sleep(ctx, s.client.opts.pollInterval); err != nil {
				return nil, err
			}
			continue
		}
		s.buffer = append(s.buffer, batch...)
	}
}

func (s *Subscription) pop() *pubsubpb.ReceivedMessage {
	env := s.buffer[0]
	s.buffer[0] = nil
	s.buffer = s.buffer[1:]
	if len(s.buffer) == 0 {
		s.buffer = nil
	}
	return env
}

// pull fetches one batch, retrying transient failures under the client's policy.
func (s *Subscription) pull(ctx context.Context, opts ReceiveOptions) ([]*pubsubpb.ReceivedMessage, error) {
	policy := s.client.opts.retryPolicy
	bo := backoff.New(backoff.Config{Initial: policy.InitialBackoff, Max: policy.MaxBackoff, Multiplier: policy.Multiplier, Jitter: policy.Jitter})
	hooks := s.client.hooks()
	logger := s.client.logger()
	var attempt int
	for {
		attempt++
		batch, err := s.pullOnce(ctx, opts)
		if err == nil {
			if hooks.OnPull != nil {
				hooks.OnPull(ctx, s.name, len(batch))
			}
			return batch, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if hooks.OnPullError != nil {
			hooks.OnPullError(ctx, s.name, attempt, err)
		}
		if isPermanentStatus(err) {
			return nil, err
		}
		if policy.exhausted(attempt) {
			logger.Error(ctx, "pull retries exhausted", "subscription", s.name, "attempts", attempt, "err", err)
			return nil, ErrPullExhausted.Wrap(fmt.Errorf("%d attempts: %w", attempt, err))
		}
		delay, waitErr := bo.Wait(ctx)
		logger.Warn(ctx, "pull failed, retrying", "subscription", s.name, "attempt", attempt, "delay", delay.String(), "err", err)
		if waitErr != nil {
			return nil, waitErr
		}
	}
}

func (s *Subscription) pullOnce(ctx context.Context, opts ReceiveOptions) ([]*pubsubpb.ReceivedMessage, error) {
	req := &pubsubpb.PullRequest{
		Subscription:      s.name,
		ReturnImmediately: opts.ReturnImmediately,
		MaxMessages:       opts.MaxMessages,
	}
	callCtx, err := s.client.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.service.Pull(callCtx, req)
	if err != nil {
		return nil, fmt.Errorf("pubsub: pull %s: %w", s.name, err)
	}
	return resp.GetReceivedMessages(), nil
}

// Delete removes the subscription from the service. The handle is consumed
// whatever the outcome; later calls on it fail with ErrSubscriptionDeleted.
func (s *Subscription) Delete(ctx context.Context) error {
	if s.deleted {
		return ErrSubscriptionDeleted
	}
	s.deleted = true
	s.buffer = nil
	req := &pubsubpb.DeleteSubscriptionRequest{Subscription: s.name}
	callCtx, err := s.client.prepare(ctx, req)
	if err != nil {
		return err
	}
	if err := s.client.service.DeleteSubscription(callCtx, req); err != nil {
		return fmt.Errorf("pubsub: delete %s: %w", s.name, err)
	}
	s.client.logger().Info(ctx, "subscription deleted", "subscription", s.name)
	return nil
}

// Acknowledge confirms deliveries by ack id. Large sets are split across
// several requests.
func (s *Subscription) Acknowledge(ctx context.Context, ackIDs ...string) error {
	if s.deleted {
		return ErrSubscriptionDeleted
	}
	for _, chunk := range lo.Chunk(ackIDs, maxAckIDsPerFrame) {
		req := &pubsubpb.AcknowledgeRequest{Subscription: s.name, AckIds: chunk}
		callCtx, err := s.client.prepare(ctx, req)
		if err != nil {
			return err
		}
		if err := s.client.service.Acknowledge(callCtx, req); err != nil {
			return fmt.Errorf("pubsub: acknowledge %s: %w", s.name, err)
		}
	}
	return nil
}

// ModifyAckDeadline sets the deadline of the given deliveries to seconds from
// now. Zero seconds makes them available for redelivery at once.
func (s *Subscription) ModifyAckDeadline(ctx context.Context, seconds int32, ackIDs ...string) error {
	if s.deleted {
		return ErrSubscriptionDeleted
	}
	for _, chunk := range lo.Chunk(ackIDs, maxAckIDsPerFrame) {
		req := &pubsubpb.ModifyAckDeadlineRequest{Subscription: s.name, AckIds: chunk, AckDeadlineSeconds: seconds}
		callCtx, err := s.client.prepare(ctx, req)
		if err != nil {
			return err
		}
		if err := s.client.service.ModifyAckDeadline(callCtx, req); err != nil {
			return fmt.Errorf("pubsub: modify ack deadline %s: %w", s.name, err)
		}
	}
	return nil
}

// unarySettler settles messages handed out by Receive through unary calls.
type unarySettler struct {
	sub *Subscription
}

func (u unarySettler) ack(ctx context.Context, ackID string) error {
	return u.sub.Acknowledge(ctx, ackID)
}

func (u unarySettler) modify(ctx context.Context, ackID string, seconds int32) error {
	return u.sub.ModifyAckDeadline(ctx, seconds, ackID)
}

// isPermanentStatus reports failures that retrying cannot fix, including
// request construction failures.
func isPermanentStatus(err error) bool {
	if errors.Is(err, ErrRequestConstruction) || errors.Is(err, ErrClientClosed) {
		return true
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied,
		codes.Unauthenticated, codes.FailedPrecondition, codes.Unimplemented:
		return true
	}
	return false
}
