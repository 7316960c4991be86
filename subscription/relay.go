package subscription

import (
	"context"
	"time"

	"board-sync/domain"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const defaultRelayBuffer = 1024

type envelope struct {
	Origin string       `json:"origin"`
	Delta  domain.Delta `json:"delta"`
}

// Relay shares deltas between server instances over a Redis channel.
// Deltas committed here go to the local broadcaster at once and are
// published for the other instances; deltas published elsewhere are
// forwarded to the local broadcaster as they arrive.
type Relay struct {
	rc      *redis.Client
	channel string
	local   Broadcaster
	origin  string
	queue   chan envelope
	log     *log.Logger
}

func NewRelay(rc *redis.Client, channel string, local Broadcaster, buffer int, logger *log.Logger) *Relay {
	if buffer <= 0 {
		buffer = defaultRelayBuffer
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Relay{
		rc:      rc,
		channel: channel,
		local:   local,
		origin:  uuid.NewString(),
		queue:   make(chan envelope, buffer),
		log:     logger,
	}
}

// Broadcast delivers d locally and queues it for publishing.
func (r *Relay) Broadcast(boardID string, d domain.Delta) {
	r.local.Broadcast(boardID, d)
	select {
	case r.queue <- envelope{Origin: r.origin, Delta: d}:
	default:
		r.log.WithFields(log.Fields{"board": boardID, "sequence": d.Sequence}).Error("relay queue full, delta not published")
	}
}

// Run publishes queued deltas and forwards remote ones until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.publish(ctx)
	}()
	r.subscribe(ctx)
	<-done
}

// publish sends queued deltas in order from a single goroutine.
func (r *Relay) publish(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-r.queue:
			payload, err := sonic.Marshal(env)
			if err != nil {
				r.log.WithError(err).Error("marshal delta")
				continue
			}
			if err := r.rc.Publish(ctx, r.channel, payload).Err(); err != nil && ctx.Err() == nil {
				r.log.WithError(err).WithFields(log.Fields{
					"board":    env.Delta.BoardID,
					"sequence": env.Delta.Sequence,
				}).Error("publish delta")
			}
		}
	}
}

func (r *Relay) subscribe(ctx context.Context) {
	for {
		sub := r.rc.Subscribe(ctx, r.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var env envelope
				if err := sonic.UnmarshalString(msg.Payload, &env); err != nil {
					r.log.Errorf("unable to parse delta: %v", err)
					continue
				}
				if env.Origin == r.origin {
					continue
				}
				r.local.Broadcast(env.Delta.BoardID, env.Delta)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.log.Error("pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
