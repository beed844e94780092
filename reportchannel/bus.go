package reportchannel

import (
	"errors"
	"sync"
)

// ErrChannelClosed is returned when publishing on a Channel handle that was already closed.
var ErrChannelClosed = errors.New("report channel is closed")

// Publisher is the sending side of a report channel as seen by a test executor.
type Publisher interface {
	Publish(m Message) error
	Close()
}

// Opener opens a named report channel for publishing. Bus implements it for in-process
// execution contexts; remote contexts use an implementation that forwards over HTTP.
type Opener interface {
	OpenChannel(name string) (Publisher, error)
}

// Bus is a set of named publish/subscribe topics. Any number of handles can be opened on the
// same name, and a message published on one handle is delivered to the subscriptions of every
// other handle with that name. As with a browser BroadcastChannel, the publishing handle does
// not receive its own messages.
//
// A Bus is normally created at the start of a run and discarded at the end; runs that share a
// Bus must use distinct channel names.
type Bus struct {
	topics map[string]*topic
	lock   sync.Mutex
}

type topic struct {
	name    string
	handles map[*Channel]struct{}
}

// Channel is one handle on a named topic of a Bus.
type Channel struct {
	bus    *Bus
	topic  *topic
	subs   []*Subscription
	closed bool
	lock   sync.Mutex
}

// Subscription delivers messages from a Channel in the order they were published. Delivery
// never blocks publishers: undelivered messages are queued until the subscriber reads them
// from C. C is closed when the subscription or its Channel is closed.
type Subscription struct {
	C         <-chan Message
	out       chan Message
	owner     *Channel
	pending   []Message
	notify    chan struct{}
	done      chan struct{}
	lock      sync.Mutex
	closeOnce sync.Once
}

// NewBus creates a Bus with no topics.
func NewBus() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

// Open returns a new handle on the named topic. An empty name means DefaultChannelName.
func (b *Bus) Open(name string) *Channel {
	if name == "" {
		name = DefaultChannelName
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	t := b.topics[name]
	if t == nil {
		t = &topic{name: name, handles: make(map[*Channel]struct{})}
		b.topics[name] = t
	}
	c := &Channel{bus: b, topic: t}
	t.handles[c] = struct{}{}
	return c
}

// OpenChannel implements Opener.
func (b *Bus) OpenChannel(name string) (Publisher, error) {
	return b.Open(name), nil
}

// HasChannel is true if at least one handle is open on the named topic.
func (b *Bus) HasChannel(name string) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	_, ok := b.topics[name]
	return ok
}

// SubscriberCount returns the number of active subscriptions on the named topic.
func (b *Bus) SubscriberCount(name string) int {
	b.lock.Lock()
	t := b.topics[name]
	var handles []*Channel
	if t != nil {
		for h := range t.handles {
			handles = append(handles, h)
		}
	}
	b.lock.Unlock()
	n := 0
	for _, h := range handles {
		h.lock.Lock()
		n += len(h.subs)
		h.lock.Unlock()
	}
	return n
}

func (b *Bus) forget(c *Channel) {
	b.lock.Lock()
	delete(c.topic.handles, c)
	if len(c.topic.handles) == 0 {
		delete(b.topics, c.topic.name)
	}
	b.lock.Unlock()
}

func (b *Bus) peers(c *Channel) []*Channel {
	b.lock.Lock()
	defer b.lock.Unlock()
	ret := make([]*Channel, 0, len(c.topic.handles))
	for h := range c.topic.handles {
		if h != c {
			ret = append(ret, h)
		}
	}
	return ret
}

// Name returns the topic name of this handle.
func (c *Channel) Name() string {
	return c.topic.name
}

// Publish delivers a message to every subscription on the other handles of this topic.
func (c *Channel) Publish(m Message) error {
	c.lock.Lock()
	closed := c.closed
	c.lock.Unlock()
	if closed {
		return ErrChannelClosed
	}
	for _, peer := range c.bus.peers(c) {
		peer.deliver(m)
	}
	return nil
}

func (c *Channel) deliver(m Message) {
	c.lock.Lock()
	subs := append([]*Subscription(nil), c.subs...)
	c.lock.Unlock()
	for _, s := range subs {
		s.push(m)
	}
}

// Subscribe starts receiving messages published by other handles on this topic. Subscribing
// on a closed handle returns a Subscription whose C is already closed.
func (c *Channel) Subscribe() *Subscription {
	out := make(chan Message)
	s := &Subscription{
		C:      out,
		out:    out,
		owner:  c,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		s.closeOnce.Do(func() { close(s.done) })
		close(out)
		return s
	}
	c.subs = append(c.subs, s)
	c.lock.Unlock()
	go s.pump()
	return s
}

// Close detaches this handle from its topic and closes all of its subscriptions. It is safe
// to call more than once.
func (c *Channel) Close() {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.lock.Unlock()

	c.bus.forget(c)
	for _, s := range subs {
		s.stop()
	}
}

func (c *Channel) removeSubscription(s *Subscription) {
	c.lock.Lock()
	for i, each := range c.subs {
		if each == s {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.lock.Unlock()
}

func (s *Subscription) push(m Message) {
	s.lock.Lock()
	select {
	case <-s.done:
		s.lock.Unlock()
		return
	default:
	}
	s.pending = append(s.pending, m)
	s.lock.Unlock()
	select { // non-blocking wakeup; one pending signal is enough
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.lock.Lock()
		if len(s.pending) == 0 {
			s.lock.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		m := s.pending[0]
		s.pending = s.pending[1:]
		s.lock.Unlock()
		select {
		case s.out <- m:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) stop() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Close stops delivery to this subscription. Messages that were queued but not yet read are
// discarded.
func (s *Subscription) Close() {
	s.stop()
	s.owner.removeSubscription(s)
}
