// Package relaypool keeps websocket connections to upstream relays and
// fans subscriptions out to all of them.
package relaypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"zapstream-sync/internal/logging"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrNoRelays   = errors.New("no connected relays")
	ErrPoolClosed = errors.New("relay pool is closed")
)

type Options struct {
	Relays            []string
	ReconnectInterval time.Duration
	WriteTimeout      time.Duration
	Timeout           time.Duration
	PingInterval      time.Duration
	Buffer            int
	Dialer            *websocket.Dialer
	Logger            *slog.Logger
}

func (o *Options) setDefaults() {
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 90 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

type Connection struct {
	URL  string
	conn *websocket.Conn

	writeMutex sync.Mutex

	mu       sync.Mutex
	lastSeen time.Time
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *Connection) write(data []byte, deadline time.Time) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Connection) ping(deadline time.Time) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

type subscription struct {
	id      string
	filters []nostr.Filter
}

// RelayStats describes one connected relay.
type RelayStats struct {
	URL           string    `json:"url"`
	LastSeen      time.Time `json:"last_seen"`
	Subscriptions int       `json:"open_subscriptions"`
}

// Pool is the remote side of the sync layer. Subscribe satisfies the
// coalescer's dispatcher contract.
type Pool struct {
	opts   Options
	logger *slog.Logger

	notifications chan Notification
	done          chan struct{}
	closeOnce     sync.Once
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	connMutex   sync.RWMutex
	connections map[string]*Connection

	subMutex sync.Mutex
	subs     map[string]*subscription
	subOrder []string
	finished map[string]map[string]bool // relay URL -> subscription id
}

func New(opts Options) *Pool {
	opts.setDefaults()
	return &Pool{
		opts:          opts,
		logger:        logging.OrDiscard(opts.Logger).With("component", "relaypool"),
		notifications: make(chan Notification, opts.Buffer),
		done:          make(chan struct{}),
		connections:   make(map[string]*Connection),
		subs:          make(map[string]*subscription),
		finished:      make(map[string]map[string]bool),
	}
}

// Start connects to every configured relay in the background and keeps
// reconnecting until ctx is done or the pool is closed.
func (p *Pool) Start(ctx context.Context) error {
	select {
	case <-p.done:
		return ErrPoolClosed
	default:
	}
	if len(p.opts.Relays) == 0 {
		p.logger.Warn("No upstream relays configured")
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for _, url := range p.opts.Relays {
		p.wg.Add(1)
		go p.connectToRelay(ctx, url)
	}

	p.wg.Add(1)
	go p.monitorConnections(ctx)
	return nil
}

// Notifications delivers relay messages until the pool is closed.
func (p *Pool) Notifications() <-chan Notification {
	return p.notifications
}

// Subscribe sends ["REQ", subID, filters...] to every connected relay. It
// succeeds if at least one relay accepted the write. Relays that connect
// later receive the subscription too, until it reaches EOSE there. When it
// returns an error the subscription is forgotten and never replayed.
func (p *Pool) Subscribe(ctx context.Context, subID string, filters []nostr.Filter) error {
	select {
	case <-p.done:
		return ErrPoolClosed
	default:
	}

	data, err := encodeReq(subID, filters)
	if err != nil {
		return fmt.Errorf("failed to encode subscription: %w", err)
	}

	// a relay registering concurrently either sees the subscription in
	// its replay or is in conns, never both
	p.subMutex.Lock()
	conns := p.activeConnections()
	if len(conns) == 0 {
		p.subMutex.Unlock()
		return ErrNoRelays
	}
	if _, ok := p.subs[subID]; !ok {
		p.subOrder = append(p.subOrder, subID)
	}
	p.subs[subID] = &subscription{id: subID, filters: filters}
	for _, done := range p.finished {
		delete(done, subID)
	}
	p.subMutex.Unlock()

	deadline := time.Now().Add(p.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var errs []error
	sent := 0
	for _, c := range conns {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := c.write(data, deadline); err != nil {
			p.logger.Warn("Failed to send subscription", "relay", c.URL, "sub", subID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.URL, err))
			continue
		}
		sent++
	}
	if sent == 0 {
		p.forget(subID)
		return fmt.Errorf("failed to send subscription to any relay: %w", errors.Join(errs...))
	}
	p.logger.Debug("Sent subscription", "sub", subID, "filters", len(filters), "relays", sent)
	return nil
}

// ActiveRelays returns the URLs of connected relays, sorted.
func (p *Pool) ActiveRelays() []string {
	p.connMutex.RLock()
	defer p.connMutex.RUnlock()

	urls := make([]string, 0, len(p.connections))
	for url := range p.connections {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

func (p *Pool) Stats() []RelayStats {
	conns := p.activeConnections()
	p.subMutex.Lock()
	defer p.subMutex.Unlock()

	stats := make([]RelayStats, 0, len(conns))
	for _, c := range conns {
		open := 0
		for id := range p.subs {
			if !p.finished[c.URL][id] {
				open++
			}
		}
		stats = append(stats, RelayStats{URL: c.URL, LastSeen: c.LastSeen(), Subscriptions: open})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].URL < stats[j].URL })
	return stats
}

// Close disconnects every relay and closes the notification channel.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		if p.cancel != nil {
			p.cancel()
		}
		p.connMutex.Lock()
		for url, c := range p.connections {
			c.conn.Close()
			delete(p.connections, url)
		}
		p.connMutex.Unlock()
		p.wg.Wait()
		close(p.notifications)
	})
	return nil
}

// forget drops a subscription so reconnecting relays do not receive it.
func (p *Pool) forget(subID string) {
	p.subMutex.Lock()
	defer p.subMutex.Unlock()

	delete(p.subs, subID)
	for i, id := range p.subOrder {
		if id == subID {
			p.subOrder = append(p.subOrder[:i], p.subOrder[i+1:]...)
			break
		}
	}
	for _, done := range p.finished {
		delete(done, subID)
	}
}

// Subscriptions returns the ids a reconnecting relay may be sent, in the
// order they were first subscribed.
func (p *Pool) Subscriptions() []string {
	p.subMutex.Lock()
	defer p.subMutex.Unlock()
	return append([]string(nil), p.subOrder...)
}

func (p *Pool) activeConnections() []*Connection {
	p.connMutex.RLock()
	defer p.connMutex.RUnlock()

	conns := make([]*Connection, 0, len(p.connections))
	for _, c := range p.connections {
		conns = append(conns, c)
	}
	return conns
}

func (p *Pool) connectToRelay(ctx context.Context, url string) {
	defer p.wg.Done()

	for {
		if err := p.establishConnection(ctx, url); err != nil {
			p.logger.Warn("Failed to connect to relay", "relay", url, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.opts.ReconnectInterval):
		}
	}
}

// establishConnection dials url and serves the connection until it drops.
func (p *Pool) establishConnection(ctx context.Context, url string) error {
	conn, _, err := p.opts.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial relay: %w", err)
	}

	c := &Connection{
		URL:      url,
		conn:     conn,
		lastSeen: time.Now(),
	}
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	p.subMutex.Lock()
	p.connMutex.Lock()
	select {
	case <-p.done:
		p.connMutex.Unlock()
		p.subMutex.Unlock()
		conn.Close()
		return nil
	default:
	}
	p.connections[url] = c
	p.connMutex.Unlock()
	pending := p.unfinished(url)
	p.subMutex.Unlock()

	p.logger.Info("Connected to upstream relay", "relay", url)
	p.replay(c, pending)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		p.keepAlive(ctx, c, stopped)
	}()
	p.handleMessages(c)
	<-stopped
	return nil
}

// unfinished lists the subscriptions url has not finished. The caller
// holds subMutex.
func (p *Pool) unfinished(url string) []*subscription {
	var subs []*subscription
	for _, id := range p.subOrder {
		if !p.finished[url][id] {
			subs = append(subs, p.subs[id])
		}
	}
	return subs
}

// replay sends subs to a newly connected relay.
func (p *Pool) replay(c *Connection, subs []*subscription) {
	for _, s := range subs {
		data, err := encodeReq(s.id, s.filters)
		if err != nil {
			continue
		}
		if err := c.write(data, time.Now().Add(p.opts.WriteTimeout)); err != nil {
			p.logger.Warn("Failed to replay subscription", "relay", c.URL, "sub", s.id, "error", err)
			return
		}
	}
}

func (p *Pool) handleMessages(c *Connection) {
	defer p.removeConnection(c)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Warn("Upstream connection error", "relay", c.URL, "error", err)
			}
			return
		}
		c.touch()

		n, ok, err := parseMessage(c.URL, message)
		if err != nil {
			p.logger.Debug("Error handling upstream message", "relay", c.URL, "error", err)
			continue
		}
		if !ok {
			continue
		}

		switch n.Type {
		case NotificationEOSE:
			p.finish(c, n.SubID, true)
		case NotificationClosed:
			p.finish(c, n.SubID, false)
		case NotificationNotice:
			p.logger.Info("Notice from relay", "relay", c.URL, "message", n.Message)
		}

		select {
		case p.notifications <- n:
		case <-p.done:
			return
		}
	}
}

// finish marks subID done on c and, after EOSE, closes it there.
func (p *Pool) finish(c *Connection, subID string, sendClose bool) {
	p.subMutex.Lock()
	done, ok := p.finished[c.URL]
	if !ok {
		done = make(map[string]bool)
		p.finished[c.URL] = done
	}
	already := done[subID]
	done[subID] = true
	p.subMutex.Unlock()
	if already || !sendClose {
		return
	}

	data, err := encodeClose(subID)
	if err != nil {
		return
	}
	if err := c.write(data, time.Now().Add(p.opts.WriteTimeout)); err != nil {
		p.logger.Warn("Failed to close subscription", "relay", c.URL, "sub", subID, "error", err)
	}
}

func (p *Pool) keepAlive(ctx context.Context, c *Connection, stopped <-chan struct{}) {
	ticker := time.NewTicker(p.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.conn.Close()
			return
		case <-p.done:
			return
		case <-stopped:
			return
		case <-ticker.C:
			if p.connection(c.URL) != c {
				return
			}
			if err := c.ping(time.Now().Add(p.opts.WriteTimeout)); err != nil {
				p.logger.Warn("Failed to ping upstream relay", "relay", c.URL, "error", err)
				c.conn.Close()
				return
			}
		}
	}
}

func (p *Pool) connection(url string) *Connection {
	p.connMutex.RLock()
	defer p.connMutex.RUnlock()
	return p.connections[url]
}

func (p *Pool) monitorConnections(ctx context.Context) {
	defer p.wg.Done()

	interval := p.opts.Timeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range p.activeConnections() {
				if time.Since(c.LastSeen()) > p.opts.Timeout {
					p.logger.Warn("Upstream connection timed out", "relay", c.URL)
					c.conn.Close()
				}
			}
		}
	}
}

func (p *Pool) removeConnection(c *Connection) {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	c.conn.Close()
	if p.connections[c.URL] == c {
		delete(p.connections, c.URL)
		p.logger.Info("Removed connection to relay", "relay", c.URL)
	}
}
