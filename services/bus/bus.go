// Package bus adapts Google Pub/Sub for the import state machine. Messages
// are attributes-only: a flat string map whose required key is "action".
// Delivery is at-least-once, so every handler must be idempotent.
package bus

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/cenkalti/backoff/v4"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
)

// Attributes is one bus message.
type Attributes map[string]string

// AttrAction is the routing key every message must carry.
const AttrAction = "action"

// Handler processes one pulled message and returns an HTTP-like status.
// 2xx acknowledges, anything else nacks so the bus redelivers.
type Handler func(ctx context.Context, attrs Attributes) int

type Bus struct {
	logger logger.Logger
	stats  stats.Stats

	client          *pubsub.Client
	selfTopic       *pubsub.Topic
	downstreamTopic *pubsub.Topic
	subscription    *pubsub.Subscription
}

func New(ctx context.Context, conf *config.Config, log logger.Logger, stat stats.Stats) (*Bus, error) {
	project := conf.GetString("ImportService.pubsub.project", "")
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	b := &Bus{
		logger:          log.Child("bus"),
		stats:           stat,
		client:          client,
		selfTopic:       client.Topic(conf.GetString("ImportService.pubsub.selfTopic", "import-service")),
		downstreamTopic: client.Topic(conf.GetString("ImportService.pubsub.downstreamTopic", "workspace-upserts")),
		subscription:    client.Subscription(conf.GetString("ImportService.pubsub.subscription", "import-service-pull")),
	}
	// One message at a time: each import progression is serialized by the
	// store's compare-and-set, so there is nothing to gain from fan-out here.
	b.subscription.ReceiveSettings.MaxOutstandingMessages = 1
	b.subscription.ReceiveSettings.NumGoroutines = 1
	return b, nil
}

// PublishSelf publishes a message to our own topic to advance the state
// machine.
func (b *Bus) PublishSelf(ctx context.Context, attrs Attributes) error {
	return b.publish(ctx, b.selfTopic, "self", attrs)
}

// PublishDownstream hands a staged upsert off to the workspace service.
func (b *Bus) PublishDownstream(ctx context.Context, attrs Attributes) error {
	return b.publish(ctx, b.downstreamTopic, "downstream", attrs)
}

func (b *Bus) publish(ctx context.Context, topic *pubsub.Topic, dest string, attrs Attributes) error {
	result := topic.Publish(ctx, &pubsub.Message{Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		b.stats.NewTaggedStat("bus_publish", stats.CountType, stats.Tags{"destination": dest, "outcome": "failure"}).Increment()
		return fmt.Errorf("publishing to %s topic: %w", dest, err)
	}
	b.stats.NewTaggedStat("bus_publish", stats.CountType, stats.Tags{"destination": dest, "outcome": "success"}).Increment()
	return nil
}

// RunPullLoop receives messages from the self subscription and feeds them to
// the handler until ctx is cancelled. Used where no inbound push endpoint is
// available. Transient receive failures back off exponentially.
func (b *Bus) RunPullLoop(ctx context.Context, handle Handler) error {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(5*time.Second),
		backoff.WithMaxElapsedTime(0),
	), ctx)

	operation := func() error {
		err := b.subscription.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
			status := handle(ctx, m.Attributes)
			if status >= http.StatusOK && status < http.StatusMultipleChoices {
				m.Ack()
			} else {
				m.Nack()
			}
			b.stats.NewTaggedStat("bus_pull", stats.CountType, stats.Tags{
				"status": fmt.Sprintf("%d", status),
			}).Increment()
		})
		if err != nil && ctx.Err() == nil {
			b.logger.Errorf("pull loop receive failed, backing off: %v", err)
			return err
		}
		return backoff.Permanent(ctx.Err())
	}

	err := backoff.Retry(operation, bo)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (b *Bus) Close() error {
	b.selfTopic.Stop()
	b.downstreamTopic.Stop()
	return b.client.Close()
}
