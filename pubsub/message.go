package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
)

type Handler interface {
	Handle(context.Context, *Message) error
}

type HandlerFunc func(context.Context, *Message) error

func (f HandlerFunc) Handle(ctx context.Context, m *Message) error {
	return f(ctx, m)
}

type permanentError struct{ Err error }

func (p permanentError) Error() string { return p.Err.Error() }

func (p permanentError) Unwrap() error { return p.Err }

// ErrPermanent marks a handler error that must not lead to redelivery.
func ErrPermanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{Err: err}
}

func isPermanent(err error) bool {
	var perm permanentError
	return errors.As(err, &perm)
}

// maxAckDeadline is the longest deadline the service accepts.
const maxAckDeadline = 600 * time.Second

// settler acknowledges or re-leases deliveries on behalf of a Message.
type settler interface {
	ack(ctx context.Context, ackID string) error
	modify(ctx context.Context, ackID string, seconds int32) error
}

// Message is one delivery from a subscription. It is immutable; the ack id is
// the token for settling this particular delivery.
type Message struct {
	subscription    string
	data            []byte
	id              string
	ackID           string
	attributes      map[string]string
	publishTime     time.Time
	orderingKey     string
	deliveryAttempt int

	settler    settler
	settleOnce sync.Once
	settleErr  error
	settled    atomic.Bool
}

func translate(subscription string, env *pubsubpb.ReceivedMessage, s settler) (*Message, error) {
	if env == nil {
		return nil, ErrProtocolViolation.Wrap(errors.New("nil envelope"))
	}
	inner := env.GetMessage()
	if inner == nil {
		return nil, ErrProtocolViolation.Wrap(fmt.Errorf("envelope %q carries no message", env.GetAckId()))
	}
	ts := inner.GetPublishTime()
	if ts == nil {
		return nil, ErrProtocolViolation.Wrap(fmt.Errorf("message %q has no publish time", inner.GetMessageId()))
	}
	return &Message{
		subscription:    subscription,
		data:            inner.GetData(),
		id:              inner.GetMessageId(),
		ackID:           env.GetAckId(),
		attributes:      inner.GetAttributes(),
		publishTime:     time.Unix(ts.GetSeconds(), int64(ts.GetNanos())).UTC(),
		orderingKey:     inner.GetOrderingKey(),
		deliveryAttempt: int(env.GetDeliveryAttempt()),
		settler:         s,
	}, nil
}

func translateBatch(subscription string, envs []*pubsubpb.ReceivedMessage, s settler) ([]*Message, error) {
	msgs := make([]*Message, 0, len(envs))
	for _, env := range envs {
		msg, err := translate(subscription, env, s)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (m *Message) Subscription() string { return m.subscription }

func (m *Message) ID() string { return m.id }

func (m *Message) AckID() string { return m.ackID }

func (m *Message) Data() []byte { return append([]byte(nil), m.data...) }

func (m *Message) Attributes() map[string]string { return cloneMap(m.attributes) }

func (m *Message) PublishTime() time.Time { return m.publishTime }

func (m *Message) OrderingKey() string { return m.orderingKey }

// DeliveryAttempt is zero unless the subscription has a dead letter policy.
func (m *Message) DeliveryAttempt() int { return m.deliveryAttempt }

// Ack confirms the delivery. Only the first of Ack and Nack takes effect.
func (m *Message) Ack(ctx context.Context) error {
	return m.settle(func() error { return m.settler.ack(ctx, m.ackID) })
}

// Nack asks for immediate redelivery. Only the first of Ack and Nack takes effect.
func (m *Message) Nack(ctx context.Context) error {
	return m.settle(func() error { return m.settler.modify(ctx, m.ackID, 0) })
}

// ModifyAckDeadline extends the delivery's deadline to d from now. It is a no-op
// once the message is settled.
func (m *Message) ModifyAckDeadline(ctx context.Context, d time.Duration) error {
	if m.settler == nil || m.settled.Load() || d <= 0 {
		return nil
	}
	return m.settler.modify(ctx, m.ackID, deadlineSeconds(d))
}

func (m *Message) settle(fn func() error) error {
	m.settleOnce.Do(func() {
		m.settled.Store(true)
		if m.settler != nil {
			m.settleErr = fn()
		}
	})
	return m.settleErr
}

func (m *Message) metadata() MessageMetadata {
	return MessageMetadata{
		ID:         m.id,
		AckID:      m.ackID,
		Attempt:    m.deliveryAttempt,
		Attributes: cloneMap(m.attributes),
	}
}

func deadlineSeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > maxAckDeadline {
		d = maxAckDeadline
	}
	return int32((d + time.Second - 1) / time.Second)
}

func cloneMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	cloned := make(map[string]string, len(src))
	for k, v := range src {
		cloned[k] = v
	}
	return cloned
}
