// Package redisbridge mirrors a *pubsub.PubSub tree into a Redis
// keyspace, generalizing the teacher's pkg/service: where the teacher
// wired specific Redis hash fields (battery, vehicle, power-manager) to
// specific NRF52 commands, this bridge wires the topic tree itself —
// every retained PubSub topic under a configured prefix becomes a
// Redis hash field, and every change is published on a Redis channel
// so other host-side tooling can watch it the same way the teacher's
// own `redis-cli subscribe` consumers did.
package redisbridge

import (
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/librescoot/fitterbap-go/pkg/pubsub"
	"github.com/librescoot/fitterbap-go/pkg/redis"
)

// Bridge mirrors one PubSub subtree into one Redis hash. It passes
// itself as the origin token to PublishFrom so a value applied here
// from Redis is never echoed straight back to Redis — the same
// loop-prevention pattern pubsubport uses across the wire link.
type Bridge struct {
	client *redis.Client
	ps     *pubsub.PubSub
	log    *log.Logger

	key    string // Redis hash key all topics are mirrored into
	prefix string // PubSub topic prefix this bridge owns

	mu      sync.Mutex
	closers []func()
}

// New constructs a Bridge mirroring every topic under prefix (in ps)
// into the Redis hash named key, through client. logger may be nil.
func New(client *redis.Client, ps *pubsub.PubSub, key, prefix string, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.Default()
	}
	return &Bridge{
		client: client,
		ps:     ps,
		log:    logger,
		key:    key,
		prefix: prefix,
	}
}

// Start installs the PubSub->Redis direction (every retained/live
// publish under prefix is HSet into key and published as "field:value"
// on the Redis channel named key) and the Redis->PubSub direction (a
// pattern-subscribe on "<key>:*" feeds values back into PubSub).
func (b *Bridge) Start() {
	b.ps.Subscribe(b.prefix, pubsub.SubRetain, b.onLocalPublish, b)

	ch, closeFn := b.client.PSubscribe(b.key + ":*")
	b.mu.Lock()
	b.closers = append(b.closers, closeFn)
	b.mu.Unlock()

	go func() {
		for msg := range ch {
			field := strings.TrimPrefix(msg.Channel, b.key+":")
			topic := b.prefix + "/" + field
			if err := b.ps.PublishFrom(topic, pubsub.NewStr(msg.Payload, pubsub.FlagRetain), b); err != nil {
				b.log.Printf("redisbridge: applying redis update for %q: %v", topic, err)
			}
		}
	}()
}

// onLocalPublish is the PubSub subscriber callback mirroring a local
// update out to Redis, skipped automatically (via PublishFrom's origin
// check) for updates this same bridge just applied from Redis.
func (b *Bridge) onLocalPublish(topic string, value pubsub.Value, _ interface{}) {
	field := strings.TrimPrefix(strings.TrimPrefix(topic, b.prefix), "/")
	if field == "" {
		return
	}

	var s string
	switch value.Kind {
	case pubsub.KindStr, pubsub.KindJSON:
		s, _ = value.Str()
	default:
		u, err := value.U64()
		if err != nil {
			return
		}
		s = strconv.FormatUint(u, 10)
	}

	if err := b.client.WriteAndPublishString(b.key, field, s); err != nil {
		b.log.Printf("redisbridge: writing %s.%s to redis: %v", b.key, field, err)
	}
}

// Stop unwinds the Redis-side subscriptions started by Start, which in
// turn ends the goroutine ranging over each subscription's channel.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, closeFn := range b.closers {
		closeFn()
	}
}
