package apps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AppOption represents the options for the App.
type AppOption func(*App)

// App is the application runtime. It owns the transport session lifecycle,
// capability negotiation, instance resolution, state storage, and realtime
// channels, and dispatches operation calls to registered handlers.
//
// An App is configured with RegisterResource and RegisterOperation before
// Serve is called; registration is not safe to interleave with serving.
type App struct {
	info         Info
	instructions string
	transport    ServerTransport

	negotiator *Negotiator
	registry   *InstanceRegistry
	resolver   *instanceResolver
	channels   *ChannelManager
	metrics    *Metrics

	catalog catalog

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration
	shutdownTimeout      time.Duration

	logger *slog.Logger

	onSessionCreated func(sessionID string)
	onSessionClosed  func(sessionID string)
	onShutdown       func(ctx context.Context) error

	identityRules []IdentityRule

	sessionsWaitGroup *sync.WaitGroup

	stopOnce sync.Once
	done     chan struct{}
}

// appSession drives the dispatch loop for one transport session. Capabilities
// are decided once, on the first initialize request, and never revisited.
type appSession struct {
	session Session
	logger  *slog.Logger
	app     *App

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration
}

var (
	defaultAppPingInterval         = 30 * time.Second
	defaultAppPingTimeout          = 30 * time.Second
	defaultAppPingTimeoutThreshold = 3
	defaultAppSendTimeout          = 30 * time.Second
	defaultAppShutdownTimeout      = 10 * time.Second

	errInvalidJSON = errors.New("invalid json")
)

// NewApp creates a new application runtime serving sessions from the given
// transport. It returns an error if a configured identity rule pattern does
// not compile.
func NewApp(info Info, transport ServerTransport, options ...AppOption) (*App, error) {
	a := &App{
		info:              info,
		transport:         transport,
		catalog:           newCatalog(),
		logger:            slog.Default(),
		sessionsWaitGroup: &sync.WaitGroup{},
		done:              make(chan struct{}),
	}
	for _, opt := range options {
		opt(a)
	}
	if a.pingInterval == 0 {
		a.pingInterval = defaultAppPingInterval
	}
	if a.pingTimeout == 0 {
		a.pingTimeout = defaultAppPingTimeout
	}
	if a.pingTimeoutThreshold == 0 {
		a.pingTimeoutThreshold = defaultAppPingTimeoutThreshold
	}
	if a.sendTimeout == 0 {
		a.sendTimeout = defaultAppSendTimeout
	}
	if a.shutdownTimeout == 0 {
		a.shutdownTimeout = defaultAppShutdownTimeout
	}

	negotiator, err := NewNegotiator(a.identityRules...)
	if err != nil {
		return nil, fmt.Errorf("failed to build negotiator: %w", err)
	}
	a.negotiator = negotiator

	a.registry = newInstanceRegistry(a.logger)
	a.resolver = newInstanceResolver(a.logger)

	if a.channels == nil {
		a.channels = NewChannelManager("", WithChannelLogger(a.logger))
	}
	if a.metrics != nil && a.channels.metrics == nil {
		a.channels.metrics = a.metrics
	}
	a.registry.channelCloser = a.channels.Close

	// A destroyed instance must stop being any resource's default, so an
	// unsuffixed call after destroy mints a fresh one.
	a.registry.OnDestroy(func(instanceID string, _ any) {
		a.resolver.dropBinding(instanceID)
		if a.metrics != nil {
			a.metrics.instanceDestroyed()
		}
	})

	return a, nil
}

// WithAppLogger sets the logger for the app.
func WithAppLogger(logger *slog.Logger) AppOption {
	return func(a *App) {
		a.logger = logger.With(
			slog.String("package", "go-apps"),
			slog.String("component", "app"),
		)
	}
}

// WithAppInstructions returns an AppOption that configures the instructions
// surfaced to hosts in the initialize result.
func WithAppInstructions(instructions string) AppOption {
	return func(a *App) {
		a.instructions = instructions
	}
}

// WithIdentityRules returns an AppOption that prepends custom identity rules
// to the capability negotiator. Custom rules are consulted before the
// built-in defaults.
func WithIdentityRules(rules ...IdentityRule) AppOption {
	return func(a *App) {
		a.identityRules = append(a.identityRules, rules...)
	}
}

// WithChannelManager returns an AppOption that configures the realtime
// channel manager. Without it channels are managed by a default manager with
// an empty base URL, which is only useful in tests.
func WithChannelManager(m *ChannelManager) AppOption {
	return func(a *App) {
		a.channels = m
	}
}

// WithMetrics returns an AppOption that wires runtime metrics collection.
func WithMetrics(m *Metrics) AppOption {
	return func(a *App) {
		a.metrics = m
	}
}

// WithAppPingInterval returns an AppOption that configures the app's ping interval.
func WithAppPingInterval(interval time.Duration) AppOption {
	return func(a *App) {
		a.pingInterval = interval
	}
}

// WithAppPingTimeout returns an AppOption that configures the app's ping timeout.
func WithAppPingTimeout(timeout time.Duration) AppOption {
	return func(a *App) {
		a.pingTimeout = timeout
	}
}

// WithAppPingTimeoutThreshold sets the ping timeout threshold for the app.
// If the number of consecutive ping timeouts exceeds the threshold, the app
// will close the session.
func WithAppPingTimeoutThreshold(threshold int) AppOption {
	return func(a *App) {
		a.pingTimeoutThreshold = threshold
	}
}

// WithAppSendTimeout returns an AppOption that configures the app's send timeout.
func WithAppSendTimeout(timeout time.Duration) AppOption {
	return func(a *App) {
		a.sendTimeout = timeout
	}
}

// WithAppShutdownTimeout bounds how long Shutdown waits for in-flight
// sessions before giving up on them.
func WithAppShutdownTimeout(timeout time.Duration) AppOption {
	return func(a *App) {
		a.shutdownTimeout = timeout
	}
}

// WithAppOnSessionCreated sets the callback for when a transport session is
// created.
func WithAppOnSessionCreated(fn func(sessionID string)) AppOption {
	return func(a *App) {
		a.onSessionCreated = fn
	}
}

// WithAppOnSessionClosed sets the callback for when a transport session is
// closed.
func WithAppOnSessionClosed(fn func(sessionID string)) AppOption {
	return func(a *App) {
		a.onSessionClosed = fn
	}
}

// WithAppOnShutdown registers a cleanup hook that runs at the start of
// Shutdown, before instances are destroyed. Its error is logged, never
// propagated, so a failing hook cannot wedge the shutdown sequence.
func WithAppOnShutdown(fn func(ctx context.Context) error) AppOption {
	return func(a *App) {
		a.onShutdown = fn
	}
}

// RegisterResource declares a resource. The URI must be unique.
func (a *App) RegisterResource(res Resource) error {
	return a.catalog.registerResource(res)
}

// RegisterOperation declares an operation. The name must be unique, and a
// non-empty ResourceURI must reference a previously registered resource.
func (a *App) RegisterOperation(op Operation) error {
	return a.catalog.registerOperation(op)
}

// Registry exposes the instance registry for host-side inspection and
// explicit destruction.
func (a *App) Registry() *InstanceRegistry { return a.registry }

// DestroyInstance removes the instance, firing destruction observers and
// closing its realtime channel. Returns whether the instance existed.
func (a *App) DestroyInstance(instanceID string) bool {
	return a.registry.Destroy(instanceID)
}

// HasInstance reports whether the instance currently exists.
func (a *App) HasInstance(instanceID string) bool {
	return a.registry.Has(instanceID)
}

// Serve starts accepting transport sessions and dispatching their messages.
// It blocks until the app is shut down.
func (a *App) Serve() {
	// This loop would break when the transport is closed.
	for sess := range a.transport.Sessions() {
		as := appSession{
			session:              sess,
			logger:               a.logger.With(slog.String("sessionID", sess.ID())),
			app:                  a,
			pingInterval:         a.pingInterval,
			pingTimeout:          a.pingTimeout,
			pingTimeoutThreshold: a.pingTimeoutThreshold,
			sendTimeout:          a.sendTimeout,
		}

		a.sessionsWaitGroup.Add(1)
		if a.metrics != nil {
			a.metrics.sessionStarted()
		}

		go func() {
			defer a.sessionsWaitGroup.Done()

			if a.onSessionCreated != nil {
				a.onSessionCreated(as.session.ID())
			}

			as.start(a.done)

			if a.metrics != nil {
				a.metrics.sessionEnded()
			}
			if a.onSessionClosed != nil {
				a.onSessionClosed(as.session.ID())
			}
		}()
	}
}

// Shutdown gracefully shuts down the app: the cleanup hook runs first, then
// every live instance is destroyed (firing observers and closing channels),
// then the app waits for sessions to drain, bounded by the shutdown timeout,
// before closing the transport. Safe to call more than once; repeat calls are
// no-ops.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if a.onShutdown != nil {
			if hookErr := a.onShutdown(ctx); hookErr != nil {
				a.logger.Error("shutdown hook failed", slog.String("err", hookErr.Error()))
			}
		}

		for _, id := range a.registry.ids() {
			a.registry.Destroy(id)
		}
		a.channels.CloseAll()

		// Signal sessions to stop, then race their drain against the bound.
		close(a.done)

		drained := make(chan struct{})
		go func() {
			a.sessionsWaitGroup.Wait()
			close(drained)
		}()

		select {
		case <-drained:
		case <-time.After(a.shutdownTimeout):
			a.logger.Warn("shutdown timed out waiting for sessions")
		case <-ctx.Done():
			// Abandon the drain, but still close the transport so the
			// listener is not leaked.
			if tErr := a.transport.Shutdown(ctx); tErr != nil {
				a.logger.Error("failed to shutdown transport", slog.String("err", tErr.Error()))
			}
			err = fmt.Errorf("failed to drain sessions: %w", ctx.Err())
			return
		}

		if tErr := a.transport.Shutdown(ctx); tErr != nil {
			err = fmt.Errorf("failed to shutdown transport: %w", tErr)
		}
	})
	return err
}

func (s appSession) start(done <-chan struct{}) {
	// This channel is used to feed the ping goroutine a message ID we received
	// from the host.
	pingMessageIDs := make(chan MustString, 10)
	go s.ping(pingMessageIDs, done)

	// This base context makes sure all in-flight handler calls are cancelled
	// when the loop below breaks.
	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()

	// Capabilities are decided on the first initialize request and held for
	// the life of the session. Until the host confirms with the initialized
	// notification, only ping and initialize are processed.
	var caps SessionCapabilities
	negotiated := false
	initialized := false

	// This loop would break when the session is closed.
	for msg := range s.session.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			s.logger.Info("failed to handle message",
				slog.Any("message", msg),
				slog.String("err", errInvalidJSON.Error()),
			)
			continue
		}
		switch msg.Method {
		case methodPing:
			go func(msgID MustString) {
				pongCtx, pongCancel := context.WithTimeout(context.Background(), s.pingTimeout)
				if err := s.session.Send(pongCtx, JSONRPCMessage{
					JSONRPC: JSONRPCVersion,
					ID:      msgID,
				}); err != nil {
					s.logger.Error("failed to send pong", slog.String("err", err.Error()))
				}
				pongCancel()
			}(msg.ID)
		case methodInitialize:
			if !negotiated {
				caps = s.handleInitialize(msg)
				negotiated = true
				continue
			}
			go s.handleInitialize(msg)
		case methodNotificationsInitialized:
			// The host confirmed the handshake; the session is established.
			initialized = true
		case MethodToolsList, MethodToolsCall, MethodResourcesList, MethodResourcesRead:
			if !initialized {
				// Out-of-order requests get a distinct rejection; dropping them
				// would leave the host's request hanging.
				go s.rejectRequest(msg.ID, JSONRPCError{
					Code:    jsonRPCInvalidRequestCode,
					Message: "session is not initialized",
				})
				continue
			}
			go s.handleRequest(baseCtx, msg, caps)
		case "":
			// A response from the host; the only requests we issue are pings.
			select {
			case <-done:
			case pingMessageIDs <- msg.ID:
			}
		default:
			// Unknown notifications are dropped; unknown requests are answered.
			if msg.ID == "" {
				continue
			}
			go s.rejectRequest(msg.ID, JSONRPCError{
				Code:    jsonRPCMethodNotFoundCode,
				Message: fmt.Sprintf("method %q not found", msg.Method),
			})
		}
	}
	close(pingMessageIDs)
}

func (s appSession) ping(messageIDs <-chan MustString, done <-chan struct{}) {
	defer s.session.Stop()

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()
	failedPings := 0
	var msgID MustString

	for {
		if failedPings > s.pingTimeoutThreshold {
			s.logger.Warn("too many pings failed, closing session")
			return
		}

		select {
		case <-done:
			return
		case id, ok := <-messageIDs:
			if !ok {
				return
			}
			if id != msgID {
				continue
			}
			s.logger.Debug("received ping response, resetting failed ping counter")
			failedPings = 0
			continue
		case <-pingTicker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.pingTimeout)

		msgID = MustString(uuid.New().String())

		if err := s.session.Send(ctx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msgID,
			Method:  methodPing,
		}); err != nil {
			s.logger.Warn("failed to send ping to host",
				slog.String("err", err.Error()))
			failedPings++
		}
		cancel()
	}
}

// handleInitialize negotiates session capabilities from the host's declared
// identity and answers the handshake. The returned capabilities apply to the
// whole session.
func (s appSession) handleInitialize(msg JSONRPCMessage) SessionCapabilities {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	var params InitializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.logger.Info("invalid initialization request", slog.String("err", err.Error()))
			s.sendError(ctx, msg.ID, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: err.Error(),
			})
			return SessionCapabilities{Dialect: DialectBoth}
		}
	}

	caps := s.app.negotiator.Negotiate(params.ClientInfo.Name)
	s.logger.Debug("negotiated session capabilities",
		slog.String("clientName", params.ClientInfo.Name),
		slog.Bool("multiInstance", caps.SupportsMultiInstance),
		slog.String("dialect", string(caps.Dialect)))

	serverCaps := ServerCapabilities{
		Tools: &ToolsCapability{},
	}
	if len(s.app.catalog.resources) > 0 {
		serverCaps.Resources = &ResourcesCapability{}
	}

	res := InitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    serverCaps,
		ServerInfo:      s.app.info,
		Instructions:    s.app.instructions,
	}
	resBs, _ := json.Marshal(res)
	if err := s.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Result:  resBs,
	}); err != nil {
		s.logger.Error("failed to send initialization result", slog.String("err", err.Error()))
	}

	return caps
}

func (s appSession) handleRequest(ctx context.Context, msg JSONRPCMessage, caps SessionCapabilities) {
	reqCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()

	var result any
	var err error

	switch msg.Method {
	case MethodToolsList:
		result = s.app.catalog.listTools()
	case MethodToolsCall:
		result, err = s.app.callTool(reqCtx, msg.Params, caps)
	case MethodResourcesList:
		result = s.app.catalog.listResources()
	case MethodResourcesRead:
		result, err = s.app.catalog.readResource(msg.Params)
	}

	if err != nil {
		var rpcErr JSONRPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: err.Error(),
			}
		}
		s.sendError(reqCtx, msg.ID, rpcErr)
		return
	}

	resBs, mErr := json.Marshal(result)
	if mErr != nil {
		s.sendError(reqCtx, msg.ID, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: fmt.Sprintf("failed to marshal result: %s", mErr),
		})
		return
	}
	if err := s.session.Send(reqCtx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Result:  resBs,
	}); err != nil {
		s.logger.Error("failed to send result", slog.String("err", err.Error()))
	}
}

// rejectRequest answers a request the dispatch loop will not process with a
// JSON-RPC error, bounded by the send timeout.
func (s appSession) rejectRequest(msgID MustString, rpcErr JSONRPCError) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()
	s.sendError(ctx, msgID, rpcErr)
}

func (s appSession) sendError(ctx context.Context, msgID MustString, rpcErr JSONRPCError) {
	if err := s.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msgID,
		Error:   &rpcErr,
	}); err != nil {
		s.logger.Error("failed to send error response", slog.String("err", err.Error()))
	}
}

// callTool resolves the call's instance, runs the handler, and formats the
// result for the session's dialect. Handler errors and panics become
// error-flagged results; they never fail the JSON-RPC request and never tear
// down the session.
func (a *App) callTool(
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

	op, ok := a.catalog.operations[p.Name]
	if !ok {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("tool %q not found", p.Name),
		}
	}

	octx := &OperationContext{}
	var channelURL string

	if op.ResourceURI != "" {
		res := a.catalog.resources[op.ResourceURI]

		instanceID, fresh := a.resolver.resolve(ctx, res.URI, p.Meta.InstanceID, res.Multiplicity, caps)
		a.registry.ensure(instanceID, res.URI)
		if fresh && a.metrics != nil {
			a.metrics.instanceCreated()
		}

		octx.InstanceID = instanceID
		octx.ResourceURI = res.URI
		octx.store = a.registry
		if res.Realtime {
			a.channels.Open(instanceID)
			octx.rt = a.channels
			channelURL = a.channels.URL(instanceID)
		}
	}

	result, err := runOperationHandler(ctx, a.logger, op, p.Arguments, octx)
	if a.metrics != nil {
		a.metrics.operationCalled(p.Name, err != nil || result.IsError)
	}
	if err != nil {
		result = Result{
			Payload: err.Error(),
			IsError: true,
		}
	}

	return formatCallResult(result, octx.InstanceID, channelURL, caps.Dialect)
}

// catalog holds the registered resources and operations. It is shared by
// every deployment shape: the long-lived App and the serverless handler both
// serve tools/list, resources/list, and resources/read from it, in
// registration order.
type catalog struct {
	resources    map[string]Resource
	resourceURIs []string
	operations   map[string]Operation
	opNames      []string
}

func newCatalog() catalog {
	return catalog{
		resources:  make(map[string]Resource),
		operations: make(map[string]Operation),
	}
}

func (c *catalog) registerResource(res Resource) error {
	if res.URI == "" {
		return errors.New("resource URI must not be empty")
	}
	if _, ok := c.resources[res.URI]; ok {
		return fmt.Errorf("resource %q already registered", res.URI)
	}
	c.resources[res.URI] = res
	c.resourceURIs = append(c.resourceURIs, res.URI)
	return nil
}

func (c *catalog) registerOperation(op Operation) error {
	if op.Name == "" {
		return errors.New("operation name must not be empty")
	}
	if op.Handler == nil {
		return fmt.Errorf("operation %q has no handler", op.Name)
	}
	if _, ok := c.operations[op.Name]; ok {
		return fmt.Errorf("operation %q already registered", op.Name)
	}
	if op.ResourceURI != "" {
		if _, ok := c.resources[op.ResourceURI]; !ok {
			return fmt.Errorf("operation %q references unknown resource %q", op.Name, op.ResourceURI)
		}
	}
	c.operations[op.Name] = op
	c.opNames = append(c.opNames, op.Name)
	return nil
}

func (c *catalog) listTools() ListToolsResult {
	tools := make([]ToolInfo, 0, len(c.opNames))
	for _, name := range c.opNames {
		op := c.operations[name]
		tools = append(tools, ToolInfo{
			Name:        op.Name,
			Description: op.Description,
			InputSchema: op.InputSchema,
		})
	}
	return ListToolsResult{Tools: tools}
}

func (c *catalog) listResources() ListResourcesResult {
	resources := make([]ResourceInfo, 0, len(c.resourceURIs))
	for _, uri := range c.resourceURIs {
		res := c.resources[uri]
		resources = append(resources, ResourceInfo{
			URI:         res.URI,
			Name:        res.Name,
			Description: res.Description,
			MIMEType:    res.MIMEType,
		})
	}
	return ListResourcesResult{Resources: resources}
}

func (c *catalog) readResource(params json.RawMessage) (ReadResourceResult, error) {
	var p ReadResourceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return ReadResourceResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: err.Error(),
		}
	}
	res, ok := c.resources[p.URI]
	if !ok {
		return ReadResourceResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("resource %q not found", p.URI),
		}
	}
	return ReadResourceResult{
		Contents: []ResourceContents{
			{
				URI:      res.URI,
				MIMEType: res.MIMEType,
				Text:     res.Payload,
			},
		},
	}, nil
}

// runOperationHandler invokes the operation handler, converting a panic into
// an error so one misbehaving operation cannot take the session down.
func runOperationHandler(
	ctx context.Context,
	logger *slog.Logger,
	op Operation,
	args json.RawMessage,
	octx *OperationContext,
) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("operation panicked",
				slog.String("operation", op.Name),
				slog.Any("panic", r))
			err = fmt.Errorf("operation %q panicked: %v", op.Name, r)
		}
	}()
	return op.Handler(ctx, args, octx)
}

// formatCallResult marshals the handler payload into the representations the
// session's dialect requires and attaches the runtime metadata.
func formatCallResult(
	result Result,
	instanceID string,
	channelURL string,
	dialect Dialect,
) (CallToolResult, error) {
	out := CallToolResult{IsError: result.IsError}

	var payloadBs []byte
	if result.Payload != nil {
		var err error
		payloadBs, err = json.Marshal(result.Payload)
		if err != nil {
			return CallToolResult{}, JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: fmt.Sprintf("failed to marshal operation result: %s", err),
			}
		}
	}

	if len(payloadBs) > 0 {
		switch dialect {
		case DialectStructured:
			out.StructuredContent = payloadBs
		case DialectText:
			out.Content = []Content{{Type: ContentTypeText, Text: string(payloadBs)}}
		case DialectBoth:
			out.StructuredContent = payloadBs
			out.Content = []Content{{Type: ContentTypeText, Text: string(payloadBs)}}
		}
	}

	if instanceID != "" {
		out.Meta = &ResultMeta{
			InstanceID: instanceID,
			ChannelURL: channelURL,
			Title:      result.Title,
		}
	}

	return out, nil
}
