package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/api/iterator"

	"github.com/infigaming-com/go-pubsub/pubsub/internal/backoff"
	"github.com/infigaming-com/go-pubsub/pubsub/internal/worker"
)

// Deduper filters redeliveries of a message that is being, or has been,
// handled successfully.
type Deduper interface {
	// Claim records id and reports whether this is its first claim.
	Claim(ctx context.Context, id string) (bool, error)
	// Release forgets id so that a redelivery is handled again.
	Release(ctx context.Context, id string) error
}

// Listen streams messages from the subscription and hands each one to handler
// on a bounded worker pool. A nil handler error acks the message, an
// ErrPermanent error acks it and reports the failure, any other error nacks it.
// Broken streams are reopened with backoff until the retry policy gives up.
// Listen returns nil once ctx is cancelled.
func (s *Subscription) Listen(ctx context.Context, handler Handler, opts ...ListenOption) error {
	if handler == nil {
		return errors.New("pubsub: handler required")
	}
	if s.deleted {
		return ErrSubscriptionDeleted
	}
	cfg := defaultListenOptions(s.client.opts)
	for _, opt := range opts {
		opt(&cfg)
	}
	l := &listener{
		sub:     s,
		handler: handler,
		options: cfg,
		logger:  s.client.logger(),
		hooks:   s.client.hooks(),
	}
	return l.run(ctx)
}

type listener struct {
	sub     *Subscription
	handler Handler
	options listenOptions
	logger  Logger
	hooks   Hooks
}

func (l *listener) run(ctx context.Context) error {
	policy := l.options.retryPolicy
	bo := backoff.New(backoff.Config{Initial: policy.InitialBackoff, Max: policy.MaxBackoff, Multiplier: policy.Multiplier, Jitter: policy.Jitter})
	var failures int
	for {
		delivered, err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if delivered {
			bo.Reset()
			failures = 0
		}
		if err == nil {
			continue
		}
		failures++
		if isPermanentStatus(err) || policy.exhausted(failures) {
			l.logger.Error(ctx, "listen stopped", "subscription", l.sub.name, "failures", failures, "err", err)
			return err
		}
		delay, waitErr := bo.Wait(ctx)
		l.logger.Warn(ctx, "streaming pull reconnect", "subscription", l.sub.name, "delay", delay.String(), "err", err)
		if waitErr != nil {
			return nil
		}
	}
}

// session drives one streaming pull until it ends. It reports whether any
// message arrived, and nil when the stream ended normally.
func (l *listener) session(ctx context.Context) (bool, error) {
	sess, err := l.sub.OpenStreamingPull(ctx, ReceiveStreamOptions{
		StreamAckDeadlineSeconds: deadlineSeconds(l.options.ackDeadline),
	})
	if err != nil {
		return false, err
	}
	pool := worker.New(l.options.workers, l.options.buffer)
	defer func() {
		pool.Close()
		pool.Wait()
		if err := sess.Close(); err != nil && !errors.Is(err, ErrSessionClosed) {
			l.logger.Debug(ctx, "streaming pull close", "subscription", l.sub.name, "err", err)
		}
	}()

	var delivered bool
	for {
		batch, err := sess.Recv()
		if errors.Is(err, iterator.Done) {
			return delivered, nil
		}
		if errors.Is(err, ErrProtocolViolation) {
			continue
		}
		if err != nil {
			return delivered, err
		}
		delivered = delivered || len(batch) > 0
		for _, msg := range batch {
			if !l.claim(ctx, msg) {
				continue
			}
			m := msg
			submitErr := pool.Submit(ctx, func(execCtx context.Context) {
				l.process(execCtx, m)
			})
			if submitErr != nil {
				l.release(ctx, m)
				_ = m.Nack(context.WithoutCancel(ctx))
				return delivered, submitErr
			}
		}
	}
}

// claim reports whether msg should be handled. Duplicates are acked and dropped.
func (l *listener) claim(ctx context.Context, msg *Message) bool {
	if l.options.deduper == nil {
		return true
	}
	first, err := l.options.deduper.Claim(ctx, msg.ID())
	if err != nil {
		l.logger.Warn(ctx, "dedupe claim failed", "subscription", l.sub.name, "message", msg.ID(), "err", err)
		return true
	}
	if first {
		return true
	}
	l.logger.Debug(ctx, "subscription dedupe drop", "subscription", l.sub.name, "message", msg.ID())
	if err := msg.Ack(ctx); err != nil {
		l.logger.Error(ctx, "dedupe ack failed", "subscription", l.sub.name, "message", msg.ID(), "err", err)
	}
	if l.hooks.OnDuplicate != nil {
		l.hooks.OnDuplicate(ctx, l.sub.name, msg.metadata())
	}
	return false
}

func (l *listener) release(ctx context.Context, msg *Message) {
	if l.options.deduper == nil {
		return
	}
	if err := l.options.deduper.Release(ctx, msg.ID()); err != nil {
		l.logger.Warn(ctx, "dedupe release failed", "subscription", l.sub.name, "message", msg.ID(), "err", err)
	}
}

func (l *listener) process(ctx context.Context, msg *Message) {
	start := time.Now()
	meta := msg.metadata()
	settleCtx := context.WithoutCancel(ctx)
	handlerCtx, cancel := context.WithTimeout(ctx, l.options.processTimeout)
	defer cancel()

	extendStop := make(chan struct{})
	var extendWG sync.WaitGroup
	if l.options.maxExtension > 0 {
		extendWG.Add(1)
		go l.extendLoop(handlerCtx, msg, extendStop, &extendWG, meta)
	}

	err := l.handle(handlerCtx, msg)
	if errors.Is(handlerCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("handler timeout: %w", handlerCtx.Err())
	}
	close(extendStop)
	extendWG.Wait()

	switch {
	case err == nil:
		if ackErr := msg.Ack(settleCtx); ackErr != nil {
			l.logger.Error(ctx, "ack failed", "subscription", l.sub.name, "message", msg.ID(), "err", ackErr)
		}
		if l.hooks.OnAck != nil {
			l.hooks.OnAck(ctx, l.sub.name, meta)
		}
		l.logger.Debug(ctx, "message processed", "subscription", l.sub.name, "message", msg.ID(), "duration", time.Since(start))
	case isPermanent(err):
		l.logger.Warn(ctx, "permanent failure", "subscription", l.sub.name, "message", msg.ID(), "err", err)
		if ackErr := msg.Ack(settleCtx); ackErr != nil {
			l.logger.Error(ctx, "ack after permanent failure", "subscription", l.sub.name, "message", msg.ID(), "err", ackErr)
		}
		if l.hooks.OnFailure != nil {
			l.hooks.OnFailure(ctx, l.sub.name, meta, err)
		}
	default:
		l.release(settleCtx, msg)
		if nackErr := msg.Nack(settleCtx); nackErr != nil {
			l.logger.Error(ctx, "nack failed", "subscription", l.sub.name, "message", msg.ID(), "err", nackErr)
		}
		if l.hooks.OnNack != nil {
			l.hooks.OnNack(ctx, l.sub.name, meta)
		}
		if l.hooks.OnFailure != nil {
			l.hooks.OnFailure(ctx, l.sub.name, meta, err)
		}
	}
}

func (l *listener) handle(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error(ctx, "handler panic", "subscription", l.sub.name, "message", msg.ID(), "panic", r)
			err = fmt.Errorf("pubsub: handler panic: %v", r)
		}
	}()
	return l.handler.Handle(ctx, msg)
}

func (l *listener) extendLoop(ctx context.Context, msg *Message, stop <-chan struct{}, wg *sync.WaitGroup, meta MessageMetadata) {
	defer wg.Done()
	deadline := l.options.ackDeadline
	interval := deadline / 2
	if interval <= 0 {
		return
	}
	var extended time.Duration
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if extended >= l.options.maxExtension {
				return
			}
			if err := msg.ModifyAckDeadline(ctx, deadline); err != nil {
				l.logger.Warn(ctx, "extend failed", "subscription", l.sub.name, "message", msg.ID(), "err", err)
				return
			}
			extended += deadline
			if l.hooks.OnAckExtend != nil {
				l.hooks.OnAckExtend(ctx, l.sub.name, meta, deadline.String())
			}
		}
	}
}
