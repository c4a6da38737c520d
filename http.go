package apps

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SessionIDHeader carries the transport session id on every HTTP request
// after the initialize handshake.
const SessionIDHeader = "Apps-Session-Id"

// HTTPTransportOption represents the options for the HTTPTransport.
type HTTPTransportOption func(*HTTPTransport)

// HTTPTransport implements ServerTransport over HTTP. Hosts POST JSON-RPC
// messages to a single endpoint; request/response pairs are answered on the
// POST itself, while server-initiated messages flow over an optional
// Server-Sent Events stream the host attaches with a GET request.
//
// Session rules follow the protocol handshake: a POST without a session
// header must be an initialize request and always creates a new session; a
// POST with an unknown session id fails with "no valid session" and never
// fabricates one; DELETE closes the session idempotently.
//
// The handlers are framework-agnostic http.Handlers. Instances should be
// created using NewHTTPTransport and shut down using Shutdown when no longer
// needed.
type HTTPTransport struct {
	logger *slog.Logger

	sessions chan *httpSession

	mu      sync.Mutex
	byID    map[string]*httpSession
	onError func(sessionID string, err error)

	done   chan struct{}
	closed chan struct{}
}

type httpSession struct {
	id     string
	logger *slog.Logger

	recv chan JSONRPCMessage

	mu      sync.Mutex
	pending map[MustString]chan JSONRPCMessage
	stream  *sse.Session

	remove  func(id string)
	onError func(sessionID string, err error)

	done      chan struct{}
	closeOnce sync.Once
}

// NewHTTPTransport creates and initializes a new HTTP transport. The returned
// transport is immediately operational; mount Handler on the serving mux and
// consume Sessions from the dispatch loop.
func NewHTTPTransport(options ...HTTPTransportOption) *HTTPTransport {
	t := &HTTPTransport{
		logger:   slog.Default().With(slog.String("component", "transport")),
		sessions: make(chan *httpSession, 5),
		byID:     make(map[string]*httpSession),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// WithHTTPTransportLogger sets the logger for the transport.
func WithHTTPTransportLogger(logger *slog.Logger) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.logger = logger.With(slog.String("component", "transport"))
	}
}

// WithHTTPTransportOnSessionError sets an observer invoked when a session's
// transport errors, for example when the event stream write fails.
func WithHTTPTransportOnSessionError(fn func(sessionID string, err error)) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.onError = fn
	}
}

// Sessions returns an iterator over transport sessions as hosts initialize.
func (t *HTTPTransport) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(t.closed)

		for {
			select {
			case <-t.done:
				return
			case sess := <-t.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown gracefully shuts down the transport. The caller is expected to
// have stopped the sessions already.
func (t *HTTPTransport) Shutdown(ctx context.Context) error {
	close(t.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close HTTP transport: %w", ctx.Err())
	case <-t.closed:
	}
	return nil
}

// Handler returns the http.Handler for the transport endpoint. POST carries
// JSON-RPC messages, GET attaches the server-to-host event stream, DELETE
// closes the session.
func (t *HTTPTransport) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			t.handlePost(w, r)
		case http.MethodGet:
			t.handleGet(w, r)
		case http.MethodDelete:
			t.handleDelete(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (t *HTTPTransport) handlePost(w http.ResponseWriter, r *http.Request) {
	var msg JSONRPCMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		nErr := fmt.Errorf("failed to decode message: %w", err)
		t.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
		http.Error(w, nErr.Error(), http.StatusBadRequest)
		return
	}

	sessID := r.Header.Get(SessionIDHeader)

	if sessID == "" {
		// Only an initialize request may run without a session; it always
		// creates a new one.
		if msg.Method != methodInitialize {
			t.logger.Warn("rejecting sessionless request", slog.String("method", msg.Method))
			writeJSONRPCError(w, http.StatusBadRequest, msg.ID, JSONRPCError{
				Code:    jsonRPCInvalidRequestCode,
				Message: "initialize required before any other request",
			})
			return
		}

		sess := t.createSession()
		w.Header().Set(SessionIDHeader, sess.id)
		t.deliver(w, r, sess, msg)
		return
	}

	t.mu.Lock()
	sess, ok := t.byID[sessID]
	t.mu.Unlock()
	if !ok {
		// Unknown ids fail; fabricating a session here would let a spoofed id
		// conjure server-side state.
		t.logger.Warn("rejecting request for unknown session", slog.String("sessionID", sessID))
		writeJSONRPCError(w, http.StatusNotFound, msg.ID, JSONRPCError{
			Code:    jsonRPCInvalidRequestCode,
			Message: errMsgNoValidSession,
		})
		return
	}

	t.deliver(w, r, sess, msg)
}

// deliver feeds the message to the session's dispatch loop and, for requests
// carrying an id, waits for the matching response to answer the POST with.
func (t *HTTPTransport) deliver(w http.ResponseWriter, r *http.Request, sess *httpSession, msg JSONRPCMessage) {
	var results chan JSONRPCMessage
	if msg.ID != "" {
		results = make(chan JSONRPCMessage, 1)
		sess.registerPending(msg.ID, results)
		defer sess.unregisterPending(msg.ID)
	}

	select {
	case sess.recv <- msg:
	case <-sess.done:
		writeJSONRPCError(w, http.StatusNotFound, msg.ID, JSONRPCError{
			Code:    jsonRPCInvalidRequestCode,
			Message: errMsgNoValidSession,
		})
		return
	case <-r.Context().Done():
		return
	}

	if results == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	select {
	case res := <-results:
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(res); err != nil {
			t.logger.Error("failed to write response", slog.String("err", err.Error()))
		}
	case <-sess.done:
		writeJSONRPCError(w, http.StatusNotFound, msg.ID, JSONRPCError{
			Code:    jsonRPCInvalidRequestCode,
			Message: errMsgNoValidSession,
		})
	case <-r.Context().Done():
	}
}

func (t *HTTPTransport) handleGet(w http.ResponseWriter, r *http.Request) {
	sessID := r.Header.Get(SessionIDHeader)

	t.mu.Lock()
	sess, ok := t.byID[sessID]
	t.mu.Unlock()
	if !ok {
		http.Error(w, errMsgNoValidSession, http.StatusNotFound)
		return
	}

	stream, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade event stream: %w", err)
		t.logger.Error("failed to upgrade event stream", slog.String("err", nErr.Error()))
		http.Error(w, nErr.Error(), http.StatusInternalServerError)
		return
	}

	// Announce the stream immediately so the response headers reach the host
	// before the first server-initiated message; without this the GET would
	// block until something is sent.
	ready := &sse.Message{Type: sse.Type("ready")}
	ready.AppendData(sess.id)
	if err := stream.Send(ready); err != nil {
		t.logger.Error("failed to write ready event", slog.String("err", err.Error()))
		return
	}
	if err := stream.Flush(); err != nil {
		t.logger.Error("failed to flush ready event", slog.String("err", err.Error()))
		return
	}

	sess.attachStream(stream)

	// Keep the connection open until either side closes.
	select {
	case <-sess.done:
	case <-r.Context().Done():
		sess.detachStream(stream)
	}
}

func (t *HTTPTransport) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessID := r.Header.Get(SessionIDHeader)

	t.mu.Lock()
	sess, ok := t.byID[sessID]
	t.mu.Unlock()
	if !ok {
		// Closing an already closed session is a no-op, not an error.
		w.WriteHeader(http.StatusOK)
		return
	}

	sess.Stop()
	w.WriteHeader(http.StatusOK)
}

func (t *HTTPTransport) createSession() *httpSession {
	sessID := uuid.New().String()
	sess := &httpSession{
		id:      sessID,
		logger:  t.logger.With(slog.String("sessionID", sessID)),
		recv:    make(chan JSONRPCMessage, 5),
		pending: make(map[MustString]chan JSONRPCMessage),
		remove:  t.removeSession,
		onError: t.sessionError,
		done:    make(chan struct{}),
	}

	t.mu.Lock()
	t.byID[sessID] = sess
	t.mu.Unlock()

	select {
	case t.sessions <- sess:
	case <-t.done:
	}

	return sess
}

func (t *HTTPTransport) removeSession(sessID string) {
	t.mu.Lock()
	delete(t.byID, sessID)
	t.mu.Unlock()
}

func (t *HTTPTransport) sessionError(sessID string, err error) {
	if t.onError != nil {
		t.onError(sessID, err)
	}
}

func writeJSONRPCError(w http.ResponseWriter, status int, msgID MustString, rpcErr JSONRPCError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msgID,
		Error:   &rpcErr,
	})
}

func (s *httpSession) ID() string { return s.id }

// Send transmits a message to the host. Responses to in-flight POST requests
// are answered on the POST; everything else goes out the event stream if one
// is attached, and is dropped with an error otherwise.
func (s *httpSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	if msg.ID != "" {
		s.mu.Lock()
		results, ok := s.pending[msg.ID]
		s.mu.Unlock()
		if ok {
			select {
			case results <- msg:
				return nil
			default:
				// The waiting POST has already gone away; fall through to the
				// event stream.
			}
		}
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()

	if stream == nil {
		return fmt.Errorf("no event stream attached to session %s", s.id)
	}

	sseMsg := &sse.Message{Type: sse.Type("message")}
	sseMsg.AppendData(string(msgBs))

	if err := stream.Send(sseMsg); err != nil {
		err = fmt.Errorf("failed to send message: %w", err)
		s.onError(s.id, err)
		return err
	}
	if err := stream.Flush(); err != nil {
		err = fmt.Errorf("failed to flush message: %w", err)
		s.onError(s.id, err)
		return err
	}
	return nil
}

// Messages returns an iterator over messages received from the host.
func (s *httpSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg := <-s.recv:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

// Stop closes the session. Safe to call more than once.
func (s *httpSession) Stop() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.remove(s.id)
	})
}

func (s *httpSession) registerPending(msgID MustString, results chan JSONRPCMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[msgID] = results
}

func (s *httpSession) unregisterPending(msgID MustString) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, msgID)
}

func (s *httpSession) attachStream(stream *sse.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stream = stream
}

func (s *httpSession) detachStream(stream *sse.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == stream {
		s.stream = nil
	}
}
