package apps

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// channelCloseUnknownInstance is the close code sent to peers that request an
// upgrade for an instance id with no open channel. It sits in the application
// range (4000-4999) so hosts can distinguish it from transport-level closures.
const channelCloseUnknownInstance = 4404

const channelWriteTimeout = 10 * time.Second

// ChannelManagerOption represents the options for the ChannelManager.
type ChannelManagerOption func(*ChannelManager)

// ChannelManager manages one bidirectional socket group per instance id.
// Peers join by upgrading at a path embedding the instance id; outbound
// messages are serialized once and broadcast to every connected peer.
//
// The manager only begins accepting upgrade requests after the first Open
// call in the process lifetime, so servers with no realtime resources never
// expose the upgrade path.
type ChannelManager struct {
	logger    *slog.Logger
	baseURL   string
	upgrader  websocket.Upgrader
	validator func(json.RawMessage) error
	metrics   *Metrics

	attached atomic.Bool

	mu       sync.Mutex
	channels map[string]*Channel
}

// Channel is the live socket group for one instance.
type Channel struct {
	instanceID string
	logger     *slog.Logger
	validator  func(json.RawMessage) error
	metrics    *Metrics

	mu        sync.Mutex
	peers     map[*websocket.Conn]struct{}
	onMessage func(json.RawMessage)
	onConnect func()
	closed    bool
}

// NewChannelManager creates a ChannelManager whose channels are reachable at
// baseURL (e.g. "ws://localhost:8080/channels"); the instance id is appended
// as the final path segment.
func NewChannelManager(baseURL string, options ...ChannelManagerOption) *ChannelManager {
	m := &ChannelManager{
		logger:  slog.Default().With(slog.String("component", "channels")),
		baseURL: baseURL,
		upgrader: websocket.Upgrader{
			// Origin enforcement is the embedding server's concern.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		channels: make(map[string]*Channel),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// WithChannelLogger sets the logger for the ChannelManager.
func WithChannelLogger(logger *slog.Logger) ChannelManagerOption {
	return func(m *ChannelManager) {
		m.logger = logger.With(slog.String("component", "channels"))
	}
}

// WithChannelMetrics wires peer and broadcast metrics. The App sets this
// automatically when it carries a Metrics of its own.
func WithChannelMetrics(m *Metrics) ChannelManagerOption {
	return func(cm *ChannelManager) {
		cm.metrics = m
	}
}

// WithChannelValidator configures validation for inbound channel messages.
// Messages failing validation are logged and dropped; the peer connection
// stays alive.
func WithChannelValidator(fn func(json.RawMessage) error) ChannelManagerOption {
	return func(m *ChannelManager) {
		m.validator = fn
	}
}

// Open returns the channel for the instance id, creating it if absent. The
// first Open in the process lifetime attaches the upgrade handler.
func (m *ChannelManager) Open(instanceID string) *Channel {
	m.attached.Store(true)

	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.channels[instanceID]; ok {
		return ch
	}
	ch := &Channel{
		instanceID: instanceID,
		logger:     m.logger.With(slog.String("instanceID", instanceID)),
		validator:  m.validator,
		metrics:    m.metrics,
		peers:      make(map[*websocket.Conn]struct{}),
	}
	m.channels[instanceID] = ch
	return ch
}

// Close force-closes every peer of the instance's channel with a normal
// closure code and removes the channel entry. Returns whether a channel
// existed; a second call is a no-op returning false.
func (m *ChannelManager) Close(instanceID string) bool {
	m.mu.Lock()
	ch, ok := m.channels[instanceID]
	if ok {
		delete(m.channels, instanceID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	ch.close()
	return true
}

// CloseAll closes every open channel. Used during shutdown.
func (m *ChannelManager) CloseAll() {
	m.mu.Lock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.channels = make(map[string]*Channel)
	m.mu.Unlock()

	for _, ch := range channels {
		ch.close()
	}
}

// lookup returns the open channel for the instance id, if any.
func (m *ChannelManager) lookup(instanceID string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[instanceID]
	return ch, ok
}

// HandleUpgrade returns an http.Handler that accepts websocket upgrade
// requests at a route with an {instanceID} chi parameter. Upgrades targeting
// an instance with no open channel are completed only far enough to deliver a
// distinct close code, never silently accepted. Until the first Open call the
// handler rejects everything.
func (m *ChannelManager) HandleUpgrade() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.attached.Load() {
			http.NotFound(w, r)
			return
		}

		instanceID := chi.URLParam(r, "instanceID")
		ch, ok := m.lookup(instanceID)

		conn, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.logger.Warn("failed to upgrade channel connection",
				slog.String("instanceID", instanceID),
				slog.String("err", err.Error()))
			return
		}

		if !ok {
			m.logger.Warn("rejecting upgrade for unknown instance",
				slog.String("instanceID", instanceID))
			deadline := time.Now().Add(channelWriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(channelCloseUnknownInstance, "unknown instance"),
				deadline)
			conn.Close()
			return
		}

		ch.join(conn)
	})
}

// URL returns the websocket URL peers should connect to for the instance.
func (m *ChannelManager) URL(instanceID string) string {
	return fmt.Sprintf("%s/%s", m.baseURL, instanceID)
}

// channelAccessor implementation used by OperationContext.

func (m *ChannelManager) send(instanceID string, msg any) error {
	ch, ok := m.lookup(instanceID)
	if !ok {
		return nil
	}
	return ch.Send(msg)
}

func (m *ChannelManager) onMessage(instanceID string, fn func(json.RawMessage)) {
	if ch, ok := m.lookup(instanceID); ok {
		ch.OnMessage(fn)
	}
}

func (m *ChannelManager) onConnect(instanceID string, fn func()) {
	if ch, ok := m.lookup(instanceID); ok {
		ch.OnConnect(fn)
	}
}

func (m *ChannelManager) channelURL(instanceID string) string {
	return m.URL(instanceID)
}

// Send serializes the message once and writes it to every currently open
// peer. Peers whose write fails are dropped, not retried. Sending on a
// channel with zero connected peers is a safe no-op.
func (c *Channel) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal channel message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	for conn := range c.peers {
		conn.SetWriteDeadline(time.Now().Add(channelWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Warn("dropping peer after write error", slog.String("err", err.Error()))
			delete(c.peers, conn)
			if c.metrics != nil {
				c.metrics.peerLeft()
			}
			conn.Close()
		}
	}
	if c.metrics != nil {
		c.metrics.channelBroadcast()
	}
	return nil
}

// OnMessage registers the inbound message handler. At most one handler is
// active at a time; registering replaces the previous one.
func (c *Channel) OnMessage(fn func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onMessage = fn
}

// OnConnect registers an observer fired once for every joining peer.
func (c *Channel) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onConnect = fn
}

// PeerCount returns the number of currently connected peers.
func (c *Channel) PeerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.peers)
}

func (c *Channel) join(conn *websocket.Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		deadline := time.Now().Add(channelWriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline)
		conn.Close()
		return
	}
	c.peers[conn] = struct{}{}
	connectFn := c.onConnect
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.peerJoined()
	}

	if connectFn != nil {
		connectFn()
	}

	go c.readPump(conn)
}

// readPump reads inbound messages from one peer until the connection closes
// or errors, then removes the peer without affecting the channel or other
// peers.
func (c *Channel) readPump(conn *websocket.Conn) {
	defer c.leave(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("channel read error", slog.String("err", err.Error()))
			}
			return
		}

		if !json.Valid(data) {
			c.logger.Warn("dropping malformed channel message")
			continue
		}
		msg := json.RawMessage(data)

		if c.validator != nil {
			if err := c.validator(msg); err != nil {
				c.logger.Warn("dropping invalid channel message", slog.String("err", err.Error()))
				continue
			}
		}

		c.mu.Lock()
		handler := c.onMessage
		c.mu.Unlock()

		if handler != nil {
			handler(msg)
		}
	}
}

func (c *Channel) leave(conn *websocket.Conn) {
	c.mu.Lock()
	_, present := c.peers[conn]
	delete(c.peers, conn)
	c.mu.Unlock()

	// The peer may already have been dropped by a failed broadcast or a
	// channel close; only count it out once.
	if present && c.metrics != nil {
		c.metrics.peerLeft()
	}
	conn.Close()
}

func (c *Channel) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	peers := make([]*websocket.Conn, 0, len(c.peers))
	for conn := range c.peers {
		peers = append(peers, conn)
	}
	c.peers = make(map[*websocket.Conn]struct{})
	c.mu.Unlock()

	deadline := time.Now().Add(channelWriteTimeout)
	for _, conn := range peers {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline)
		conn.Close()
		if c.metrics != nil {
			c.metrics.peerLeft()
		}
	}
}
