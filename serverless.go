package apps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// StateAdapter stores instance state and singleton bindings outside process
// memory, so a serverless deployment keeps working across cold starts. State
// payloads cross the adapter as raw JSON; handlers read them back with the
// generic State accessor, which unmarshals transparently.
type StateAdapter interface {
	LoadState(ctx context.Context, instanceID string) (json.RawMessage, bool, error)
	SaveState(ctx context.Context, instanceID string, state json.RawMessage) error
	DeleteState(ctx context.Context, instanceID string) error

	LoadBinding(ctx context.Context, resourceURI string) (string, bool, error)
	SaveBinding(ctx context.Context, resourceURI, instanceID string) error
	DeleteBinding(ctx context.Context, resourceURI string) error
}

// RealtimeAdapter delivers channel traffic through an external push service,
// since a per-invocation runtime cannot hold sockets open itself.
type RealtimeAdapter interface {
	// Publish broadcasts a message to every peer subscribed to the instance's
	// channel.
	Publish(ctx context.Context, instanceID string, msg json.RawMessage) error

	// ChannelURL returns the URL a UI surface should connect to for the
	// instance's channel.
	ChannelURL(instanceID string) string
}

// ServerlessOption represents the options for the Serverless handler.
type ServerlessOption func(*Serverless)

// Serverless adapts the runtime to per-invocation hosting: each call to
// HandleMessage processes exactly one protocol message with no resident
// session state. Capability negotiation and instance resolution run the same
// code paths as the long-lived App; durability comes from the configured
// adapters.
//
// Without a StateAdapter the handler falls back to process-memory storage,
// which survives only as long as the platform keeps the process warm. The
// fallback logs a warning on first use so the misconfiguration is visible.
type Serverless struct {
	info         Info
	instructions string

	negotiator *Negotiator
	resolver   *instanceResolver
	catalog    catalog

	state    StateAdapter
	realtime RealtimeAdapter

	logger *slog.Logger

	onInstanceDestroy func(instanceID string)

	identityRules []IdentityRule

	warnEphemeral   sync.Once
	warnNoRealtime  sync.Once
	warnNoCallbacks sync.Once
}

// NewServerless creates a new serverless handler. It returns an error if a
// configured identity rule pattern does not compile.
func NewServerless(info Info, options ...ServerlessOption) (*Serverless, error) {
	s := &Serverless{
		info:    info,
		catalog: newCatalog(),
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}

	negotiator, err := NewNegotiator(s.identityRules...)
	if err != nil {
		return nil, fmt.Errorf("failed to build negotiator: %w", err)
	}
	s.negotiator = negotiator

	s.resolver = newInstanceResolver(s.logger)
	if s.state == nil {
		s.state = newEphemeralStateAdapter()
	}
	s.resolver.persist = adapterBindings{adapter: s.state}

	return s, nil
}

// WithServerlessLogger sets the logger for the handler.
func WithServerlessLogger(logger *slog.Logger) ServerlessOption {
	return func(s *Serverless) {
		s.logger = logger.With(
			slog.String("package", "go-apps"),
			slog.String("component", "serverless"),
		)
	}
}

// WithServerlessInstructions configures the instructions surfaced to hosts in
// the initialize result.
func WithServerlessInstructions(instructions string) ServerlessOption {
	return func(s *Serverless) {
		s.instructions = instructions
	}
}

// WithServerlessIdentityRules prepends custom identity rules to the
// capability negotiator.
func WithServerlessIdentityRules(rules ...IdentityRule) ServerlessOption {
	return func(s *Serverless) {
		s.identityRules = append(s.identityRules, rules...)
	}
}

// WithStateAdapter configures the external state backend.
func WithStateAdapter(adapter StateAdapter) ServerlessOption {
	return func(s *Serverless) {
		s.state = adapter
	}
}

// WithRealtimeAdapter configures the external realtime push backend.
func WithRealtimeAdapter(adapter RealtimeAdapter) ServerlessOption {
	return func(s *Serverless) {
		s.realtime = adapter
	}
}

// WithServerlessOnInstanceDestroy sets the callback for when an instance is
// destroyed.
func WithServerlessOnInstanceDestroy(fn func(instanceID string)) ServerlessOption {
	return func(s *Serverless) {
		s.onInstanceDestroy = fn
	}
}

// RegisterResource declares a resource. The URI must be unique.
func (s *Serverless) RegisterResource(res Resource) error {
	return s.catalog.registerResource(res)
}

// RegisterOperation declares an operation. The name must be unique, and a
// non-empty ResourceURI must reference a previously registered resource.
func (s *Serverless) RegisterOperation(op Operation) error {
	return s.catalog.registerOperation(op)
}

// DestroyInstance removes the instance's persisted state and its singleton
// binding, then fires the destroy callback. A second call for an already
// removed instance is a no-op.
func (s *Serverless) DestroyInstance(ctx context.Context, instanceID string) error {
	if err := s.state.DeleteState(ctx, instanceID); err != nil {
		return fmt.Errorf("failed to delete instance state: %w", err)
	}
	s.resolver.dropBinding(instanceID)
	if s.onInstanceDestroy != nil {
		s.onInstanceDestroy(instanceID)
	}
	return nil
}

// HandleMessage processes one protocol message and returns the response, if
// the message warrants one; notifications return false. The clientIdentity is
// the host identity the platform authenticated for this invocation; for an
// initialize request the identity declared in the request params is used when
// clientIdentity is empty.
//
// Capabilities are re-derived from the identity on every invocation, since no
// session object survives between them. The derivation is pure, so the result
// matches what a long-lived session would have negotiated.
func (s *Serverless) HandleMessage(
	ctx context.Context,
	clientIdentity string,
	msg JSONRPCMessage,
) (JSONRPCMessage, bool) {
	if msg.JSONRPC != JSONRPCVersion {
		return errorMessage(msg.ID, JSONRPCError{
			Code:    jsonRPCInvalidRequestCode,
			Message: errInvalidJSON.Error(),
		}), true
	}

	switch msg.Method {
	case methodPing:
		return JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: msg.ID}, true
	case methodInitialize:
		return s.handleInitialize(msg, clientIdentity), true
	case methodNotificationsInitialized:
		// Nothing to record; every invocation is self-contained.
		return JSONRPCMessage{}, false
	case MethodToolsList:
		return resultMessage(s.logger, msg.ID, s.catalog.listTools()), true
	case MethodResourcesList:
		return resultMessage(s.logger, msg.ID, s.catalog.listResources()), true
	case MethodResourcesRead:
		res, err := s.catalog.readResource(msg.Params)
		if err != nil {
			return errorMessage(msg.ID, toJSONRPCError(err)), true
		}
		return resultMessage(s.logger, msg.ID, res), true
	case MethodToolsCall:
		caps := s.negotiator.Negotiate(clientIdentity)
		res, err := s.callTool(ctx, msg.Params, caps)
		if err != nil {
			return errorMessage(msg.ID, toJSONRPCError(err)), true
		}
		return resultMessage(s.logger, msg.ID, res), true
	default:
		return errorMessage(msg.ID, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method %q not found", msg.Method),
		}), true
	}
}

func (s *Serverless) handleInitialize(msg JSONRPCMessage, clientIdentity string) JSONRPCMessage {
	var params InitializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return errorMessage(msg.ID, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: err.Error(),
			})
		}
	}

	identity := clientIdentity
	if identity == "" {
		identity = params.ClientInfo.Name
	}
	caps := s.negotiator.Negotiate(identity)
	s.logger.Debug("negotiated invocation capabilities",
		slog.String("clientName", identity),
		slog.Bool("multiInstance", caps.SupportsMultiInstance),
		slog.String("dialect", string(caps.Dialect)))

	serverCaps := ServerCapabilities{
		Tools: &ToolsCapability{},
	}
	if len(s.catalog.resources) > 0 {
		serverCaps.Resources = &ResourcesCapability{}
	}

	return resultMessage(s.logger, msg.ID, InitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    serverCaps,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	})
}

func (s *Serverless) callTool(
	ctx context.Context,
	params json.RawMessage,
	caps SessionCapabilities,
) (CallToolResult, error) {
	var p CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: err.Error(),
		}
	}

	op, ok := s.catalog.operations[p.Name]
	if !ok {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("tool %q not found", p.Name),
		}
	}

	octx := &OperationContext{}
	var channelURL string

	if op.ResourceURI != "" {
		res := s.catalog.resources[op.ResourceURI]

		instanceID, _ := s.resolver.resolve(ctx, res.URI, p.Meta.InstanceID, res.Multiplicity, caps)

		octx.InstanceID = instanceID
		octx.ResourceURI = res.URI
		octx.store = s.store(ctx)
		if res.Realtime {
			octx.rt = s.channelSeam(ctx)
			if s.realtime != nil {
				channelURL = s.realtime.ChannelURL(instanceID)
			}
		}
	}

	result, err := runOperationHandler(ctx, s.logger, op, p.Arguments, octx)
	if err != nil {
		result = Result{
			Payload: err.Error(),
			IsError: true,
		}
	}

	return formatCallResult(result, octx.InstanceID, channelURL, caps.Dialect)
}

func (s *Serverless) store(ctx context.Context) stateAccessor {
	if _, ok := s.state.(*ephemeralStateAdapter); ok {
		s.warnEphemeral.Do(func() {
			s.logger.Warn("no state adapter configured, instance state is ephemeral")
		})
	}
	return serverlessStore{ctx: ctx, adapter: s.state, logger: s.logger}
}

func (s *Serverless) channelSeam(ctx context.Context) channelAccessor {
	if s.realtime == nil {
		s.warnNoRealtime.Do(func() {
			s.logger.Warn("no realtime adapter configured, channel sends are dropped")
		})
	}
	return serverlessRealtime{ctx: ctx, handler: s}
}

// serverlessStore bridges an OperationContext to a StateAdapter for the
// duration of one invocation. Adapter failures degrade: a failed load reads
// as no state, a failed save is logged and dropped. The operation itself
// still runs.
type serverlessStore struct {
	ctx     context.Context
	adapter StateAdapter
	logger  *slog.Logger
}

func (s serverlessStore) state(instanceID string) (any, bool) {
	raw, ok, err := s.adapter.LoadState(s.ctx, instanceID)
	if err != nil {
		s.logger.Error("failed to load instance state",
			slog.String("instanceID", instanceID),
			slog.String("err", err.Error()))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return raw, true
}

func (s serverlessStore) setState(instanceID string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal instance state",
			slog.String("instanceID", instanceID),
			slog.String("err", err.Error()))
		return
	}
	if err := s.adapter.SaveState(s.ctx, instanceID, raw); err != nil {
		s.logger.Error("failed to save instance state",
			slog.String("instanceID", instanceID),
			slog.String("err", err.Error()))
	}
}

// serverlessRealtime bridges an OperationContext to a RealtimeAdapter.
// Inbound callbacks cannot be delivered to a per-invocation runtime, so
// OnMessage and OnConnect registrations warn once and are otherwise ignored.
type serverlessRealtime struct {
	ctx     context.Context
	handler *Serverless
}

func (r serverlessRealtime) send(instanceID string, msg any) error {
	if r.handler.realtime == nil {
		return nil
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal channel message: %w", err)
	}
	if err := r.handler.realtime.Publish(r.ctx, instanceID, raw); err != nil {
		return fmt.Errorf("failed to publish channel message: %w", err)
	}
	return nil
}

func (r serverlessRealtime) onMessage(string, func(json.RawMessage)) {
	r.handler.warnNoCallbacks.Do(func() {
		r.handler.logger.Warn("channel callbacks are not deliverable in serverless mode")
	})
}

func (r serverlessRealtime) onConnect(string, func()) {
	r.handler.warnNoCallbacks.Do(func() {
		r.handler.logger.Warn("channel callbacks are not deliverable in serverless mode")
	})
}

func (r serverlessRealtime) channelURL(instanceID string) string {
	if r.handler.realtime == nil {
		return ""
	}
	return r.handler.realtime.ChannelURL(instanceID)
}

// adapterBindings exposes a StateAdapter's binding storage through the
// resolver's persistence seam.
type adapterBindings struct {
	adapter StateAdapter
}

func (b adapterBindings) loadBinding(ctx context.Context, resourceURI string) (string, bool, error) {
	return b.adapter.LoadBinding(ctx, resourceURI)
}

func (b adapterBindings) saveBinding(ctx context.Context, resourceURI, instanceID string) error {
	return b.adapter.SaveBinding(ctx, resourceURI, instanceID)
}

func (b adapterBindings) deleteBinding(ctx context.Context, resourceURI string) error {
	return b.adapter.DeleteBinding(ctx, resourceURI)
}

// ephemeralStateAdapter is the in-memory fallback used when no StateAdapter
// is configured. It satisfies the interface so the rest of the handler never
// branches on adapter presence.
type ephemeralStateAdapter struct {
	mu       sync.Mutex
	states   map[string]json.RawMessage
	bindings map[string]string
}

func newEphemeralStateAdapter() *ephemeralStateAdapter {
	return &ephemeralStateAdapter{
		states:   make(map[string]json.RawMessage),
		bindings: make(map[string]string),
	}
}

func (a *ephemeralStateAdapter) LoadState(_ context.Context, instanceID string) (json.RawMessage, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	raw, ok := a.states[instanceID]
	return raw, ok, nil
}

func (a *ephemeralStateAdapter) SaveState(_ context.Context, instanceID string, state json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.states[instanceID] = state
	return nil
}

func (a *ephemeralStateAdapter) DeleteState(_ context.Context, instanceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.states, instanceID)
	return nil
}

func (a *ephemeralStateAdapter) LoadBinding(_ context.Context, resourceURI string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, ok := a.bindings[resourceURI]
	return id, ok, nil
}

func (a *ephemeralStateAdapter) SaveBinding(_ context.Context, resourceURI, instanceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.bindings[resourceURI] = instanceID
	return nil
}

func (a *ephemeralStateAdapter) DeleteBinding(_ context.Context, resourceURI string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.bindings, resourceURI)
	return nil
}

func resultMessage(logger *slog.Logger, msgID MustString, result any) JSONRPCMessage {
	resBs, err := json.Marshal(result)
	if err != nil {
		logger.Error("failed to marshal result", slog.String("err", err.Error()))
		return errorMessage(msgID, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: fmt.Sprintf("failed to marshal result: %s", err),
		})
	}
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msgID,
		Result:  resBs,
	}
}

func errorMessage(msgID MustString, rpcErr JSONRPCError) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msgID,
		Error:   &rpcErr,
	}
}

func toJSONRPCError(err error) JSONRPCError {
	var rpcErr JSONRPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return JSONRPCError{
		Code:    jsonRPCInternalErrorCode,
		Message: err.Error(),
	}
}
