package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/protobuf/proto"
)

type Client struct {
	service Service
	opts    options

	mu     sync.RWMutex
	closed bool
}

func New(service Service, opts ...Option) (*Client, error) {
	if service == nil {
		return nil, errors.New("pubsub: service required")
	}
	base := defaultOptions()
	for _, opt := range opts {
		opt(&base)
	}
	return &Client{
		service: service,
		opts:    base,
	}, nil
}

// SubscriptionName returns the fully-qualified name of subscription id in project.
func SubscriptionName(project, id string) string {
	return fmt.Sprintf("projects/%s/subscriptions/%s", project, id)
}

// Subscription returns a handle for the fully-qualified subscription name. The
// subscription itself is not checked for existence.
func (c *Client) Subscription(name string) (*Subscription, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	idx := strings.LastIndex(name, "/")
	if idx <= 0 || idx == len(name)-1 {
		return nil, ErrInvalidSubscriptionName.Wrap(fmt.Errorf("%q is not of the form projects/<project>/subscriptions/<id>", name))
	}
	return newSubscription(c, name), nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.service.Close()
}

func (c *Client) guard() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}

// prepare runs request construction for req.
func (c *Client) prepare(ctx context.Context, req proto.Message) (context.Context, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	callCtx, err := c.opts.builder.Prepare(ctx, req)
	if err != nil {
		return nil, ErrRequestConstruction.Wrap(err)
	}
	return callCtx, nil
}

func (c *Client) logger() Logger {
	if c.opts.logger != nil {
		return c.opts.logger
	}
	return noopLogger{}
}

func (c *Client) hooks() Hooks {
	return c.opts.hooks
}
