package pubsub

import (
	"maps"
	"time"

	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"google.golang.org/protobuf/types/known/durationpb"
)

// SubscriptionConfig describes a subscription. It is a value: every setter
// returns an updated copy and leaves the receiver untouched.
type SubscriptionConfig struct {
	ackDeadline      time.Duration
	messageRetention time.Duration
	retainMessages   bool
	labels           map[string]string
}

func DefaultSubscriptionConfig() SubscriptionConfig {
	return SubscriptionConfig{ackDeadline: 10 * time.Second}
}

func (c SubscriptionConfig) AckDeadline(d time.Duration) SubscriptionConfig {
	c.ackDeadline = d
	return c
}

// RetainMessages enables retention of acknowledged messages for d.
func (c SubscriptionConfig) RetainMessages(d time.Duration) SubscriptionConfig {
	c.messageRetention = d
	c.retainMessages = true
	return c
}

func (c SubscriptionConfig) Label(name, value string) SubscriptionConfig {
	labels := make(map[string]string, len(c.labels)+1)
	maps.Copy(labels, c.labels)
	labels[name] = value
	c.labels = labels
	return c
}

func (c SubscriptionConfig) AckDeadlineDuration() time.Duration { return c.ackDeadline }

// MessageRetention reports the retention duration; false means the broker default.
func (c SubscriptionConfig) MessageRetention() (time.Duration, bool) {
	return c.messageRetention, c.retainMessages
}

func (c SubscriptionConfig) Labels() map[string]string {
	return cloneMap(c.labels)
}

// Proto renders the configuration as a subscription resource bound to topic.
func (c SubscriptionConfig) Proto(name, topic string) *pubsubpb.Subscription {
	sub := &pubsubpb.Subscription{
		Name:               name,
		Topic:              topic,
		AckDeadlineSeconds: int32(c.ackDeadline / time.Second),
		Labels:             cloneMap(c.labels),
	}
	if c.retainMessages {
		sub.RetainAckedMessages = true
		sub.MessageRetentionDuration = durationpb.New(c.messageRetention)
	}
	return sub
}
