package apps

import (
	"context"
	"encoding/json"
	"iter"
)

// ServerTransport provides the server-side communication layer for the runtime.
type ServerTransport interface {
	// Sessions returns an iterator that yields new transport sessions as they are
	// initiated. Each yielded Session represents a unique host connection and
	// provides methods for bidirectional communication. The implementation must
	// guarantee that each session ID is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the ServerTransport to clean up resources. The
	// implementations should not close the Sessions it produced, the caller would
	// already do that when calling this method. The caller is guaranteed to call
	// this method only once.
	Shutdown(ctx context.Context) error
}

// Session represents a bidirectional communication channel between the server
// and one connected host.
type Session interface {
	// ID returns the unique identifier for this session. The implementation must
	// guarantee that session IDs are unique across all active sessions.
	ID() string

	// Send transmits a message to the host.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the host.
	// The implementations should exit the iteration if the session is closed.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session. The implementation should not call this itself, as
	// the caller is guaranteed to call this method once.
	Stop()
}

// Multiplicity declares whether a resource allows more than one concurrent
// instance per session.
type Multiplicity int

// Multiplicity values. The zero value is singleton, which collapses all
// unsuffixed calls against a resource onto one shared instance.
const (
	Singleton Multiplicity = iota
	MultiInstance
)

// Resource declares a renderable UI unit that operations may target. The
// rendering payload is opaque to the runtime; it is only stored and served
// back through resources/read.
type Resource struct {
	// URI uniquely identifies the resource.
	URI string

	// Name is a human-readable label surfaced in resources/list.
	Name string

	// Description is surfaced in resources/list.
	Description string

	// MIMEType of the rendering payload, e.g. "text/html+skybridge".
	MIMEType string

	// Payload is the rendering payload served through resources/read.
	Payload string

	// Multiplicity declares whether the resource allows more than one
	// concurrent instance. Hosts that cannot support multiple widgets collapse
	// a multi-instance resource down to a singleton regardless of this flag.
	Multiplicity Multiplicity

	// Realtime requests a bidirectional channel for every instance of this
	// resource. Operations targeting the resource receive a channel handle on
	// their context and results carry the channel URL.
	Realtime bool
}

// Operation declares a callable operation, optionally bound to a resource.
type Operation struct {
	// Name uniquely identifies the operation.
	Name string

	// Description is surfaced in tools/list.
	Description string

	// InputSchema optionally describes the operation's arguments. It is passed
	// through to hosts verbatim; the runtime performs no validation with it.
	InputSchema json.RawMessage

	// ResourceURI associates the operation with a declared resource. Calls to
	// an associated operation resolve an instance id and, if the resource is
	// realtime, a channel handle. Operations without a resource run with an
	// empty instance id.
	ResourceURI string

	// Handler executes the operation.
	Handler OperationHandler
}

// OperationHandler executes one operation call. The args value is the raw
// caller input; octx exposes the instance's state and realtime channel.
// A returned error is converted to an error-flagged result at the dispatch
// boundary, it never tears down the transport session.
type OperationHandler func(ctx context.Context, args json.RawMessage, octx *OperationContext) (Result, error)

// Result is the handler-produced outcome of an operation call. The runtime
// attaches the instance id and channel URL before the result leaves the
// dispatch boundary; handlers never set those themselves.
type Result struct {
	// Payload is the operation output, marshaled into the representations the
	// session's negotiated dialect requires.
	Payload any

	// Title is an optional human-readable summary.
	Title string

	// IsError flags the result as a failed operation.
	IsError bool
}

// stateAccessor is the storage seam between an OperationContext and whichever
// backend holds instance state: the in-process registry in long-lived mode, or
// an external adapter in serverless mode.
type stateAccessor interface {
	state(instanceID string) (any, bool)
	setState(instanceID string, v any)
}

// channelAccessor is the realtime seam between an OperationContext and
// whichever backend delivers channel traffic.
type channelAccessor interface {
	send(instanceID string, msg any) error
	onMessage(instanceID string, fn func(json.RawMessage))
	onConnect(instanceID string, fn func())
	channelURL(instanceID string) string
}

// OperationContext is passed to every operation handler. It exposes the
// resolved instance's identity, state access, and realtime channel I/O.
//
// State access is not atomic across suspension points: a handler that reads
// state, performs a blocking call, then writes state can interleave with other
// calls targeting the same instance id. Handlers needing read-modify-write
// atomicity must serialize access themselves.
type OperationContext struct {
	// InstanceID identifies the instance this call resolved to. Empty for
	// operations with no associated resource.
	InstanceID string

	// ResourceURI is the associated resource, if any.
	ResourceURI string

	store stateAccessor
	rt    channelAccessor
}

// State returns the instance's current state payload, if any.
func (c *OperationContext) State() (any, bool) {
	if c.store == nil || c.InstanceID == "" {
		return nil, false
	}
	return c.store.state(c.InstanceID)
}

// SetState replaces the instance's state payload. Last write wins; there are
// no merge semantics. Writes against a destroyed instance are dropped.
func (c *OperationContext) SetState(v any) {
	if c.store == nil || c.InstanceID == "" {
		return
	}
	c.store.setState(c.InstanceID, v)
}

// Send broadcasts a message to every peer connected to the instance's realtime
// channel. Sending with no channel, or no connected peers, is a safe no-op.
func (c *OperationContext) Send(msg any) error {
	if c.rt == nil || c.InstanceID == "" {
		return nil
	}
	return c.rt.send(c.InstanceID, msg)
}

// OnMessage registers the handler for inbound channel messages. At most one
// handler is active at a time; registering replaces the previous one.
func (c *OperationContext) OnMessage(fn func(json.RawMessage)) {
	if c.rt == nil || c.InstanceID == "" {
		return
	}
	c.rt.onMessage(c.InstanceID, fn)
}

// OnConnect registers an observer fired once for every peer that joins the
// instance's realtime channel.
func (c *OperationContext) OnConnect(fn func()) {
	if c.rt == nil || c.InstanceID == "" {
		return
	}
	c.rt.onConnect(c.InstanceID, fn)
}

// ChannelURL returns the URL a UI surface should connect to for this
// instance's realtime channel, or an empty string if the resource is not
// realtime.
func (c *OperationContext) ChannelURL() string {
	if c.rt == nil || c.InstanceID == "" {
		return ""
	}
	return c.rt.channelURL(c.InstanceID)
}

// State retrieves an instance's state payload from an OperationContext with
// the caller-supplied type. The second return is false when no state exists or
// the stored payload has a different type. The type parameter lives at the
// access site; the store itself is untyped.
//
// When the store holds raw JSON, as serverless state adapters do, the payload
// is unmarshaled into T, so handlers read state the same way in both
// deployment shapes.
func State[T any](c *OperationContext) (T, bool) {
	var zero T
	v, ok := c.State()
	if !ok {
		return zero, false
	}
	if t, ok := v.(T); ok {
		return t, true
	}
	if raw, ok := v.(json.RawMessage); ok {
		var t T
		if err := json.Unmarshal(raw, &t); err == nil {
			return t, true
		}
	}
	return zero, false
}
