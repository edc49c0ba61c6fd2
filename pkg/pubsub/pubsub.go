package pubsub

import (
	"log"
	"strings"
	"sync"

	"github.com/librescoot/fitterbap-go/pkg/fbperr"
)

// SubFlags are the subscribe-time bits of spec.md §4.4.
type SubFlags uint8

const (
	// SubRetain delivers every matching retained value, in creation
	// order, during the Process call after Subscribe, before any live
	// publication made after the subscription.
	SubRetain SubFlags = 1 << iota
	// SubNoPub suppresses normal value publications on the subscribed
	// subtree (used by a subscriber that only wants REQ/RSP traffic).
	SubNoPub
	// SubReq delivers query requests (topic suffix `?`).
	SubReq
	// SubRsp delivers query responses (ordinary publications following
	// a query).
	SubRsp
)

// Callback receives one dispatched publication. topic is the full topic
// string, including any `$`/`?`/`#` suffix.
type Callback func(topic string, value Value, userData interface{})

// SubscriptionID identifies a live subscription for Unsubscribe.
type SubscriptionID uint64

type subscriber struct {
	id       SubscriptionID
	topic    string
	flags    SubFlags
	cb       Callback
	userData interface{}
}

type pending struct {
	topic     string
	value     Value
	ringBytes int
	origin    interface{}

	// retainedFor is non-nil for a SubRetain replay item queued by
	// Subscribe: it is delivered straight to this one subscriber in
	// Process, bypassing the normal topic-match/flags routing in
	// dispatch, since it was already scoped to this subscriber's
	// subtree at Subscribe time.
	retainedFor *subscriber
}

// PubSub implements spec.md §4.4: a topic trie with retained values and
// metadata, a FIFO of pending publications, and a bounded message ring
// staging non-CONST pointer payloads between Publish and Process.
type PubSub struct {
	log *log.Logger

	mu        sync.Mutex
	trie      *trie
	ring      *messageRing
	queue     []pending
	subs      []*subscriber
	nextSubID SubscriptionID

	ownedTopics []string

	onPublish func()
}

// Config configures the ring buffer capacity backing non-CONST
// publications. A zero RingCapacity selects a 16 KiB default.
type Config struct {
	RingCapacity int
	Logger       *log.Logger
}

// New constructs an empty PubSub instance.
func New(cfg Config) *PubSub {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &PubSub{
		log:  logger,
		trie: newTrie(),
		ring: newMessageRing(cfg.RingCapacity),
	}
}

// OnPublish installs the hook Publish invokes after enqueuing, the Go
// analogue of the C library's thread-wake callback — typically used to
// signal the goroutine that calls Process.
func (p *PubSub) OnPublish(fn func()) {
	p.mu.Lock()
	p.onPublish = fn
	p.mu.Unlock()
}

func splitSuffix(topic string) (base string, suffix byte) {
	if topic == "" {
		return topic, 0
	}
	last := topic[len(topic)-1]
	switch last {
	case '$', '?', '#':
		return topic[:len(topic)-1], last
	default:
		return topic, 0
	}
}

// Publish stages value for topic and enqueues it for Process. Non-CONST
// pointer payloads (STR/JSON/BIN) are copied into the message ring;
// fbperr.ErrNotEnoughMemory is returned if the ring has no room.
func (p *PubSub) Publish(topic string, value Value) error {
	return p.PublishFrom(topic, value, nil)
}

// PublishFrom is Publish with an origin token attached. A subscriber
// whose userData equals origin (by ==) is skipped when this
// publication is dispatched — the "src_fn/src_user_data... suppresses
// re-delivery to the same subscriber" loop prevention spec.md §5 calls
// for on bridge subscribers (e.g. pubsubport forwarding a peer's update
// back into the local tree must not re-forward it to that same peer).
func (p *PubSub) PublishFrom(topic string, value Value, origin interface{}) error {
	p.mu.Lock()

	ringBytes := 0
	if value.IsPointer() && value.Flags&FlagConst == 0 {
		ringBytes = value.Size()
		if err := p.ring.reserve(ringBytes); err != nil {
			p.mu.Unlock()
			p.publishError(topic, err)
			return err
		}
		value = value.clone()
	}

	base, _ := splitSuffix(topic)
	if value.Flags&FlagRetain != 0 {
		n := p.trie.getOrCreate(base)
		if n.hasRetained && n.retainedLen > 0 {
			p.ring.release(n.retainedLen)
		}
		n.hasRetained = true
		n.retained = value
		n.retainedLen = ringBytes
	}

	p.queue = append(p.queue, pending{topic: topic, value: value, ringBytes: ringBytes, origin: origin})
	hook := p.onPublish
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

// publishError auto-publishes the `X#` error-report special topic of
// spec.md §4.4 when a publish to X is rejected. Called without the
// lock held.
func (p *PubSub) publishError(topic string, cause error) {
	base, _ := splitSuffix(topic)
	code := uint32(0)
	if code = fbperr.Code(cause); code == 0 {
		code = 1
	}
	_ = p.Publish(base+"#", NewU32(code, 0))
}

// Subscribe registers cb for topic (and, implicitly, every descendant
// topic) and returns a SubscriptionID for Unsubscribe. Subscribing to a
// non-existent topic creates it lazily. If flags includes SubRetain,
// every currently-retained value at topic or below is queued for
// delivery, in creation order, ahead of any publication made after
// this call returns — the replay itself happens during the next
// Process call, not inline with Subscribe.
func (p *PubSub) Subscribe(topic string, flags SubFlags, cb Callback, userData interface{}) SubscriptionID {
	p.mu.Lock()
	p.nextSubID++
	id := p.nextSubID
	s := &subscriber{id: id, topic: topic, flags: flags, cb: cb, userData: userData}
	p.subs = append(p.subs, s)

	queued := false
	if flags&SubRetain != 0 {
		n := p.trie.getOrCreate(topic)
		walkPreOrder(n, func(nd *node) {
			if nd.hasRetained {
				p.queue = append(p.queue, pending{topic: nd.path, value: nd.retained, retainedFor: s})
				queued = true
			}
		})
	}
	hook := p.onPublish
	p.mu.Unlock()

	if queued && hook != nil {
		hook()
	}
	return id
}

// Unsubscribe removes id synchronously; cb is guaranteed not to be
// invoked again once Unsubscribe returns.
func (p *PubSub) Unsubscribe(id SubscriptionID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.subs {
		if s.id == id {
			p.subs = append(p.subs[:i:i], p.subs[i+1:]...)
			return nil
		}
	}
	return fbperr.ErrNotFound
}

// UnsubscribeFromAll removes every subscription, used by PubSubPort on
// link disconnect so a reconnect doesn't deliver stale forwards.
func (p *PubSub) UnsubscribeFromAll() {
	p.mu.Lock()
	p.subs = nil
	p.mu.Unlock()
}

// Query enqueues a `topic?` request (spec.md §4.4 "X? — query").
func (p *PubSub) Query(topic string) error {
	return p.Publish(topic+"?", Null)
}

// SetMetadata stores metaJSON for topic, creating it lazily.
func (p *PubSub) SetMetadata(topic string, metaJSON string) {
	p.mu.Lock()
	n := p.trie.getOrCreate(topic)
	n.metaJSON = metaJSON
	p.mu.Unlock()
}

// Metadata returns the stored meta_json string for topic, or false if
// none is set.
func (p *PubSub) Metadata(topic string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.trie.get(topic)
	if !ok || n.metaJSON == "" {
		return "", false
	}
	return n.metaJSON, true
}

// AddOwnedTopic records prefix as owned by this instance, republishing
// the aggregate `_/topic/prefix` and `_/topic/list` retained topics and
// firing `_/topic/add` (spec.md §4.4).
func (p *PubSub) AddOwnedTopic(prefix string) {
	p.mu.Lock()
	for _, existing := range p.ownedTopics {
		if existing == prefix {
			p.mu.Unlock()
			return
		}
	}
	p.ownedTopics = append(p.ownedTopics, prefix)
	list := strings.Join(p.ownedTopics, "\x1F")
	p.mu.Unlock()

	_ = p.Publish("_/topic/list", NewStr(list, FlagRetain))
	if len(p.ownedTopics) == 1 {
		_ = p.Publish("_/topic/prefix", NewStr(prefix, FlagRetain))
	}
	_ = p.Publish("_/topic/add", NewStr(prefix, 0))
}

// RemoveOwnedTopic is the inverse of AddOwnedTopic.
func (p *PubSub) RemoveOwnedTopic(prefix string) {
	p.mu.Lock()
	idx := -1
	for i, existing := range p.ownedTopics {
		if existing == prefix {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return
	}
	p.ownedTopics = append(p.ownedTopics[:idx], p.ownedTopics[idx+1:]...)
	list := strings.Join(p.ownedTopics, "\x1F")
	p.mu.Unlock()

	_ = p.Publish("_/topic/list", NewStr(list, FlagRetain))
	_ = p.Publish("_/topic/remove", NewStr(prefix, 0))
}

// Process dispatches every queued publication to matching subscribers
// and returns how many it drained. Callbacks run on the caller's
// goroutine, never inline with Publish.
func (p *PubSub) Process() int {
	p.mu.Lock()
	drained := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, item := range drained {
		p.dispatch(item)
		if item.ringBytes > 0 {
			p.mu.Lock()
			p.ring.release(item.ringBytes)
			p.mu.Unlock()
		}
	}
	return len(drained)
}

func (p *PubSub) dispatch(item pending) {
	if item.retainedFor != nil {
		p.mu.Lock()
		stillSubscribed := false
		for _, s := range p.subs {
			if s == item.retainedFor {
				stillSubscribed = true
				break
			}
		}
		p.mu.Unlock()

		if stillSubscribed && item.retainedFor.cb != nil {
			item.retainedFor.cb(item.topic, item.value, item.retainedFor.userData)
		}
		return
	}

	base, suffix := splitSuffix(item.topic)

	p.mu.Lock()
	recipients := make([]*subscriber, 0, len(p.subs))
	for _, s := range p.subs {
		if !isAncestorOrSelf(s.topic, base) {
			continue
		}
		if item.origin != nil && s.userData == item.origin {
			continue
		}
		switch suffix {
		case '?':
			if s.flags&SubReq == 0 {
				continue
			}
		default:
			if s.flags&SubNoPub != 0 {
				continue
			}
		}
		recipients = append(recipients, s)
	}
	p.mu.Unlock()

	for _, s := range recipients {
		if s.cb != nil {
			s.cb(item.topic, item.value, s.userData)
		}
	}

	switch suffix {
	case '?':
		p.handleQuery(base)
	case '$':
		p.handleMetaEnumeration(base)
	}
}

// handleQuery implements "X? — query: the owning instance responds
// with a retained-value publication" by re-publishing the current
// retained value for base, if any.
func (p *PubSub) handleQuery(base string) {
	p.mu.Lock()
	n, ok := p.trie.get(base)
	var v Value
	has := false
	if ok && n.hasRetained {
		v, has = n.retained, true
	}
	p.mu.Unlock()

	if has {
		_ = p.Publish(base, v)
	}
}

// handleMetaEnumeration implements "Publishing NULL to $ or T/$ triggers
// enumeration: every owned metadata node under that prefix is
// re-published to its own X$ topic."
func (p *PubSub) handleMetaEnumeration(prefix string) {
	p.mu.Lock()
	root, ok := p.trie.get(prefix)
	if !ok {
		root = p.trie.root
	}
	var metas []pending
	walkPreOrder(root, func(nd *node) {
		if nd.metaJSON != "" {
			metas = append(metas, pending{topic: nd.path + "$", value: NewJSON(nd.metaJSON, 0)})
		}
	})
	p.mu.Unlock()

	for _, m := range metas {
		_ = p.Publish(m.topic, m.value)
	}
}

// Pending reports the number of publications awaiting Process, mainly
// for tests and metrics.
func (p *PubSub) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
