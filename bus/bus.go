// bus/bus.go
package bus

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
)

// -----------------------------------------------------------------------------
// Tokens + Topics
// -----------------------------------------------------------------------------

// Token is a single element in a topic path. Tokens must be comparable
// (strings and ints in practice). The wildcard tokens "+" (one level) and
// "#" (zero or more trailing levels) are only meaningful in subscriptions.
type Token any

// Topic is a sequence of tokens.
type Topic []Token

// T builds a topic, panicking on non-comparable tokens so that bad topics
// fail at construction rather than deep inside the trie.
func T(tokens ...Token) Topic {
	for _, tok := range tokens {
		if tok == nil || !reflect.TypeOf(tok).Comparable() {
			panic("bus: topic token must be comparable and non-nil")
		}
	}
	return Topic(tokens)
}

func (t Topic) Len() int       { return len(t) }
func (t Topic) At(i int) Token { return t[i] }

// Append returns a new topic with extra tokens added.
func (t Topic) Append(tokens ...Token) Topic {
	out := make(Topic, 0, len(t)+len(tokens))
	out = append(out, t...)
	return append(out, T(tokens...)...)
}

const (
	wildOne = "+"
	wildAll = "#"
)

// -----------------------------------------------------------------------------
// Message
// -----------------------------------------------------------------------------

type Message struct {
	Topic    Topic
	Payload  any
	Retained bool
	ReplyTo  Topic
}

// CanReply reports whether the sender asked for a reply.
func (m *Message) CanReply() bool { return len(m.ReplyTo) > 0 }

// -----------------------------------------------------------------------------
// Subscription
// -----------------------------------------------------------------------------

type Subscription struct {
	pattern Topic
	ch      chan *Message
	conn    *Connection
}

func (s *Subscription) Pattern() Topic           { return s.pattern }
func (s *Subscription) Channel() <-chan *Message { return s.ch }
func (s *Subscription) Unsubscribe()             { s.conn.Unsubscribe(s) }

func (s *Subscription) deliver(m *Message) {
	select {
	case s.ch <- m:
	default:
		// Queue full: drop the oldest so fresh state wins.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- m:
		default:
		}
	}
}

// -----------------------------------------------------------------------------
// Pattern trie (subscriptions)
// -----------------------------------------------------------------------------

type node struct {
	children map[Token]*node
	plus     *node           // "+" branch
	hashSubs []*Subscription // subscriptions ending in "#" at this level
	subs     []*Subscription // exact-length subscriptions
}

func (n *node) empty() bool {
	return len(n.children) == 0 && n.plus == nil && len(n.subs) == 0 && len(n.hashSubs) == 0
}

// -----------------------------------------------------------------------------
// Retained trie (concrete topics only)
// -----------------------------------------------------------------------------

type rnode struct {
	children map[Token]*rnode
	msg      *Message
}

func (n *rnode) empty() bool { return len(n.children) == 0 && n.msg == nil }

// -----------------------------------------------------------------------------
// Bus
// -----------------------------------------------------------------------------

type Bus struct {
	mu       sync.Mutex
	root     *node
	retained *rnode
	qLen     int
}

// NewBus creates a new bus with the given subscription queue length.
func NewBus(queueLen int) *Bus {
	if queueLen <= 0 {
		queueLen = 8 // safe default
	}
	return &Bus{
		root:     &node{},
		retained: &rnode{},
		qLen:     queueLen,
	}
}

// NewMessage builds a message for this bus.
func (b *Bus) NewMessage(topic Topic, payload any, retained bool) *Message {
	return &Message{Topic: topic, Payload: payload, Retained: retained}
}

// Publish delivers a message to all matching subscribers and updates the
// retained store. A retained message with a nil payload clears the slot.
func (b *Bus) Publish(msg *Message) {
	b.mu.Lock()
	var targets []*Subscription
	b.collect(b.root, msg.Topic, 0, &targets)

	if msg.Retained {
		b.storeRetained(msg)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(msg)
	}
}

// collect walks the pattern trie against a concrete topic.
func (b *Bus) collect(n *node, topic Topic, i int, out *[]*Subscription) {
	// "#" at this level matches the rest, including zero tokens.
	*out = append(*out, n.hashSubs...)

	if i == len(topic) {
		*out = append(*out, n.subs...)
		return
	}
	if child, ok := n.children[topic[i]]; ok {
		b.collect(child, topic, i+1, out)
	}
	if n.plus != nil {
		b.collect(n.plus, topic, i+1, out)
	}
}

func (b *Bus) storeRetained(msg *Message) {
	if msg.Payload == nil {
		b.clearRetained(msg.Topic)
		return
	}
	n := b.retained
	for _, tok := range msg.Topic {
		if n.children == nil {
			n.children = make(map[Token]*rnode)
		}
		child, ok := n.children[tok]
		if !ok {
			child = &rnode{}
			n.children[tok] = child
		}
		n = child
	}
	n.msg = msg
}

func (b *Bus) clearRetained(topic Topic) {
	n := b.retained
	stack := make([]*rnode, 0, len(topic))
	for _, tok := range topic {
		child, ok := n.children[tok]
		if !ok {
			return
		}
		stack = append(stack, n)
		n = child
	}
	n.msg = nil
	for i := len(topic) - 1; i >= 0; i-- {
		child := stack[i].children[topic[i]]
		if !child.empty() {
			break
		}
		delete(stack[i].children, topic[i])
	}
}

// matchRetained walks the retained trie against a subscription pattern.
func matchRetained(n *rnode, pattern Topic, i int, out *[]*Message) {
	if i == len(pattern) {
		if n.msg != nil {
			*out = append(*out, n.msg)
		}
		return
	}
	switch pattern[i] {
	case Token(wildAll):
		collectRetainedSubtree(n, out)
	case Token(wildOne):
		for _, child := range n.children {
			matchRetained(child, pattern, i+1, out)
		}
	default:
		if child, ok := n.children[pattern[i]]; ok {
			matchRetained(child, pattern, i+1, out)
		}
	}
}

// collectRetainedSubtree gathers the node's own message and everything below
// it ("#" matches zero or more levels).
func collectRetainedSubtree(n *rnode, out *[]*Message) {
	if n.msg != nil {
		*out = append(*out, n.msg)
	}
	for _, child := range n.children {
		collectRetainedSubtree(child, out)
	}
}

func (b *Bus) addSubscription(sub *Subscription) {
	b.mu.Lock()

	n := b.root
	terminal := false
	for i, tok := range sub.pattern {
		if tok == Token(wildAll) {
			if i != len(sub.pattern)-1 {
				panic("bus: '#' must be the final topic token")
			}
			n.hashSubs = append(n.hashSubs, sub)
			terminal = true
			break
		}
		if tok == Token(wildOne) {
			if n.plus == nil {
				n.plus = &node{}
			}
			n = n.plus
			continue
		}
		if n.children == nil {
			n.children = make(map[Token]*node)
		}
		child, ok := n.children[tok]
		if !ok {
			child = &node{}
			n.children[tok] = child
		}
		n = child
	}
	if !terminal {
		n.subs = append(n.subs, sub)
	}

	// Deliver retained messages matching the pattern.
	var msgs []*Message
	matchRetained(b.retained, sub.pattern, 0, &msgs)
	b.mu.Unlock()

	for _, m := range msgs {
		sub.deliver(m)
	}
}

func (b *Bus) removeSubscription(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	var stack []pruneStep
	for i, tok := range sub.pattern {
		if tok == Token(wildAll) && i == len(sub.pattern)-1 {
			n.hashSubs = removeSub(n.hashSubs, sub)
			pruneStack(stack)
			return
		}
		if tok == Token(wildOne) {
			if n.plus == nil {
				return
			}
			stack = append(stack, pruneStep{parent: n, tok: nil})
			n = n.plus
			continue
		}
		child, ok := n.children[tok]
		if !ok {
			return
		}
		stack = append(stack, pruneStep{parent: n, tok: tok})
		n = child
	}
	n.subs = removeSub(n.subs, sub)
	pruneStack(stack)
}

// pruneStep records the path taken through the trie; a nil tok marks a "+"
// branch.
type pruneStep struct {
	parent *node
	tok    Token
}

func removeSub(subs []*Subscription, sub *Subscription) []*Subscription {
	for i, s := range subs {
		if s == sub {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

func pruneStack(stack []pruneStep) {
	for i := len(stack) - 1; i >= 0; i-- {
		parent, tok := stack[i].parent, stack[i].tok
		var child *node
		if tok == nil {
			child = parent.plus
		} else {
			child = parent.children[tok]
		}
		if child == nil || !child.empty() {
			break
		}
		if tok == nil {
			parent.plus = nil
		} else {
			delete(parent.children, tok)
		}
	}
}

// -----------------------------------------------------------------------------
// Connection
// -----------------------------------------------------------------------------

type Connection struct {
	bus    *Bus
	id     string
	mu     sync.Mutex
	subs   []*Subscription
	seq    atomic.Uint32 // reply-topic uniqueness
	closed bool
}

// NewConnection creates a new connection bound to this bus.
func (b *Bus) NewConnection(id string) *Connection {
	return &Connection{bus: b, id: id}
}

// NewMessage builds a message for this connection's bus.
func (c *Connection) NewMessage(topic Topic, payload any, retained bool) *Message {
	return c.bus.NewMessage(topic, payload, retained)
}

// Publish sends a message via the bus.
func (c *Connection) Publish(msg *Message) {
	c.bus.Publish(msg)
}

// Subscribe registers a subscription owned by this connection.
func (c *Connection) Subscribe(pattern Topic) *Subscription {
	sub := &Subscription{
		pattern: pattern,
		ch:      make(chan *Message, c.bus.qLen),
		conn:    c,
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(sub.ch)
		return sub
	}
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	c.bus.addSubscription(sub)
	return sub
}

// Unsubscribe removes a subscription owned by this connection.
func (c *Connection) Unsubscribe(sub *Subscription) {
	c.mu.Lock()
	found := false
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			found = true
			break
		}
	}
	c.mu.Unlock()
	if !found {
		return
	}
	c.bus.removeSubscription(sub)
	close(sub.ch)
}

// Disconnect closes all subscriptions and clears them.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.closed = true
	c.mu.Unlock()

	for _, sub := range subs {
		c.bus.removeSubscription(sub)
		close(sub.ch)
	}
}

// Reply publishes a response on the request's ReplyTo topic.
func (c *Connection) Reply(req *Message, payload any, retained bool) {
	if !req.CanReply() {
		return
	}
	c.Publish(&Message{Topic: req.ReplyTo, Payload: payload, Retained: retained})
}

// Request stamps msg with a fresh ReplyTo topic, subscribes to it, and
// publishes the request. The caller owns the returned subscription and must
// Unsubscribe when done.
func (c *Connection) Request(msg *Message) *Subscription {
	msg.ReplyTo = T("_reply", c.id, int(c.seq.Add(1)))
	sub := c.Subscribe(msg.ReplyTo)
	c.Publish(msg)
	return sub
}

// RequestWait performs Request and blocks for the first reply or ctx expiry.
func (c *Connection) RequestWait(ctx context.Context, msg *Message) (*Message, error) {
	sub := c.Request(msg)
	defer c.Unsubscribe(sub)

	select {
	case reply := <-sub.ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
