package notify

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"subscription-proxy/domain"
)

// RedisSink publishes every event as JSON on a pub/sub channel.
type RedisSink struct {
	rc      *redis.Client
	channel string
}

func NewRedisSink(rc *redis.Client, channel string) *RedisSink {
	return &RedisSink{rc: rc, channel: channel}
}

func (s *RedisSink) Handle(ctx context.Context, ev *domain.ChangeEvent) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	return s.rc.Publish(ctx, s.channel, data).Err()
}

// Consume feeds events published on channel into sink until ctx is done. A
// closed subscription is reopened after a pause.
func Consume(ctx context.Context, rc *redis.Client, channel string, sink Sink, logger *log.Logger) {
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	receive:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break receive
				}
				var ev domain.ChangeEvent
				if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
					logger.WithError(err).Error("unable to parse change event")
					continue
				}
				if err := sink.Handle(ctx, &ev); err != nil {
					logger.WithError(err).WithField("key", ev.Key()).Error("handle change event")
				}
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
