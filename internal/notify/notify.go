// Package notify implements the NotificationBus: an in-process registry
// of WebSocket channels, filtered publish, and forced close. Grounded
// on the teacher's pkg/events broker/subscriber design (pkg/events/
// events.go), generalized from a single topic-less broadcast channel to
// per-channel URL/user/session filters. Channel lifecycle bookkeeping
// (registration, removal, close) is delegated to an
// github.com/docker/go-events Broadcaster/Channel pair, matching the
// teacher's dependency; the filtered-publish semantics the spec
// requires are layered on top via this package's own registry, since
// Broadcaster.Write alone has no notion of "matching channels".
package notify

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cuemby/netstore/internal/log"
	"github.com/cuemby/netstore/pkg/types"
	events "github.com/docker/go-events"
	"github.com/elliotchance/orderedmap"
)

// Conn is the narrow slice of *gorilla/websocket.Conn the bus needs.
// Keeping this as an interface (rather than the send path importing
// gorilla directly) mirrors the teacher's storage.Store-in-front-of-
// BoltStore pattern: Channel.write depends on a small contract, not a
// concrete transport. WSConn (ws.go) is the concrete gorilla-backed
// implementation an external API layer registers with Bus.Register.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// TextMessage matches gorilla/websocket.TextMessage's value, duplicated
// here so Channel.write does not need to import gorilla/websocket just
// for one constant.
const TextMessage = 1

// Channel is one registered connection: a socket plus the filter fields
// it was registered with.
type Channel struct {
	ID     uint64
	Conn   Conn
	URL    string
	UserID string
	SID    string

	sink   *events.Channel
	closed bool
	mu     sync.Mutex
}

func (c *Channel) write(event types.Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	raw, err := json.Marshal(event)
	if err != nil {
		log.Err(err, "notify: marshal event")
		return
	}
	if err := c.Conn.WriteMessage(TextMessage, raw); err != nil {
		// Best-effort delivery per §4.14/§7: drop and let the next
		// Filter/iteration prune this channel.
		c.markClosed()
	}
}

func (c *Channel) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.Conn.Close()
	if c.sink != nil {
		_ = c.sink.Close()
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Config controls how a Bus is constructed.
type Config struct {
	// ChannelBuffer sizes each registered channel's event sink. Zero
	// means the default of 16.
	ChannelBuffer int
}

// Bus is the NotificationBus. Safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	channels    *orderedmap.OrderedMap // id -> *Channel, registration order
	broadcaster *events.Broadcaster
	nextID      uint64
	bufferSize  int
}

// New builds an empty Bus.
func New(cfg Config) *Bus {
	bufferSize := cfg.ChannelBuffer
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Bus{
		channels:    orderedmap.NewOrderedMap(),
		broadcaster: events.NewBroadcaster(),
		bufferSize:  bufferSize,
	}
}

// Register adds a channel bound to conn with the given filter fields.
// user and sid are optional (empty string means "no identity"/"no
// session"). The returned Channel's ID identifies it for Unregister.
func (b *Bus) Register(conn Conn, url string, user, sid string) *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sink := events.NewChannel(b.bufferSize)
	ch := &Channel{ID: b.nextID, Conn: conn, URL: url, UserID: user, SID: sid, sink: sink}
	_ = b.broadcaster.Add(sink)
	b.channels.Set(ch.ID, ch)

	go ch.drain(sink)
	return ch
}

func (ch *Channel) drain(sink *events.Channel) {
	for {
		select {
		case ev, ok := <-sink.C:
			if !ok {
				return
			}
			if event, ok := ev.(types.Event); ok {
				ch.write(event)
			}
		case <-sink.Done():
			return
		}
	}
}

// Unregister removes ch from the bus, closes its sink, and closes its
// underlying socket.
func (b *Bus) Unregister(ch *Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels.Delete(ch.ID)
	if ch.sink != nil {
		_ = b.broadcaster.Remove(ch.sink)
	}
	ch.markClosed()
}

// Filter selects channels matching every set predicate; a nil/empty
// field in Filter is not checked.
type Filter struct {
	URL   string
	Users []string
	SIDs  []string
}

func matchesAny(value string, set []string) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == value {
			return true
		}
	}
	return false
}

func (f Filter) matches(ch *Channel) bool {
	if f.URL != "" && ch.URL != f.URL {
		return false
	}
	if !matchesAny(ch.UserID, f.Users) {
		return false
	}
	if !matchesAny(ch.SID, f.SIDs) {
		return false
	}
	return true
}

// channelsLocked returns every live channel currently registered.
// Callers must hold b.mu (read or write).
func (b *Bus) channelsLocked() []*Channel {
	out := make([]*Channel, 0, b.channels.Len())
	for el := b.channels.Front(); el != nil; el = el.Next() {
		ch := el.Value.(*Channel)
		if !ch.isClosed() {
			out = append(out, ch)
		}
	}
	return out
}

// FilterChannels returns every registered, open channel matching f.
func (b *Bus) FilterChannels(f Filter) []*Channel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Channel
	for _, ch := range b.channelsLocked() {
		if f.matches(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// Notify delivers event to every channel matching f. Each channel
// serializes the event itself when it writes it, so the event is
// marshaled once per matching channel, not once per call. Delivery is
// best-effort: a channel whose send fails is
// closed and pruned on the next Filter call, never retried.
func (b *Bus) Notify(ctx context.Context, event types.Event, f Filter) {
	for _, ch := range b.FilterChannels(f) {
		if ch.sink != nil {
			_ = ch.sink.Write(event)
		} else {
			ch.write(event)
		}
	}
}

// NotifyURL is the common case of Notify filtered to one URL.
func (b *Bus) NotifyURL(ctx context.Context, url string, event types.Event) {
	b.Notify(ctx, event, Filter{URL: url})
}

// NotifyUsers delivers event to every channel belonging to any of userIDs.
func (b *Bus) NotifyUsers(ctx context.Context, userIDs []string, event types.Event) {
	if len(userIDs) == 0 {
		return
	}
	b.Notify(ctx, event, Filter{Users: userIDs})
}

// CloseURL force-closes and unregisters every channel bound to url,
// per FileStore.Delete's requirement to sever channels watching a
// deleted resource.
func (b *Bus) CloseURL(ctx context.Context, url string) {
	for _, ch := range b.FilterChannels(Filter{URL: url}) {
		b.Unregister(ch)
	}
}

// Count returns the number of live channels bound to url.
func (b *Bus) Count(url string) int {
	return len(b.FilterChannels(Filter{URL: url}))
}

// HasUser reports whether any channel matching f belongs to id.
func (b *Bus) HasUser(id string, f Filter) bool {
	f.Users = []string{id}
	return len(b.FilterChannels(f)) > 0
}

// FilterUserIDs returns the subset of ids that have at least one
// channel matching f.
func (b *Bus) FilterUserIDs(ids []string, f Filter) []string {
	var out []string
	for _, id := range ids {
		if b.HasUser(id, f) {
			out = append(out, id)
		}
	}
	return out
}
