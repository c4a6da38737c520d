package apps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
)

// ClientOption represents the options for the Client.
type ClientOption func(*Client)

// Client is a host-side protocol client for the HTTP transport. It drives the
// initialize handshake, carries the session id on every subsequent request,
// and unwraps JSON-RPC envelopes. It exists for embedding hosts and for
// exercising a served App end to end.
type Client struct {
	baseURL    string
	info       Info
	httpClient *http.Client

	sessionID string
	nextID    atomic.Int64
}

// NewClient creates a client targeting the transport endpoint at baseURL.
func NewClient(baseURL string, info Info, options ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		info:       info,
		httpClient: http.DefaultClient,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// SessionID returns the session id assigned during Initialize, or an empty
// string before the handshake.
func (c *Client) SessionID() string { return c.sessionID }

// Initialize performs the handshake: it sends the initialize request, records
// the session id the server assigns, and confirms with the initialized
// notification.
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	params, err := json.Marshal(InitializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      c.info,
	})
	if err != nil {
		return InitializeResult{}, fmt.Errorf("failed to marshal initialize params: %w", err)
	}

	var result InitializeResult
	if err := c.call(ctx, methodInitialize, params, &result); err != nil {
		return InitializeResult{}, err
	}

	if err := c.notify(ctx, methodNotificationsInitialized); err != nil {
		return InitializeResult{}, err
	}
	return result, nil
}

// Ping sends a ping request and waits for the pong.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, methodPing, nil, nil)
}

// ListTools retrieves the registered operations.
func (c *Client) ListTools(ctx context.Context) (ListToolsResult, error) {
	var result ListToolsResult
	err := c.call(ctx, MethodToolsList, nil, &result)
	return result, err
}

// ListResources retrieves the declared resources.
func (c *Client) ListResources(ctx context.Context) (ListResourcesResult, error) {
	var result ListResourcesResult
	err := c.call(ctx, MethodResourcesList, nil, &result)
	return result, err
}

// ReadResource retrieves a resource's rendering payload.
func (c *Client) ReadResource(ctx context.Context, uri string) (ReadResourceResult, error) {
	params, err := json.Marshal(ReadResourceParams{URI: uri})
	if err != nil {
		return ReadResourceResult{}, fmt.Errorf("failed to marshal read resource params: %w", err)
	}
	var result ReadResourceResult
	err = c.call(ctx, MethodResourcesRead, params, &result)
	return result, err
}

// CallTool executes an operation. A non-empty instanceID explicitly routes
// the call to that instance.
func (c *Client) CallTool(
	ctx context.Context,
	name string,
	args json.RawMessage,
	instanceID string,
) (CallToolResult, error) {
	params, err := json.Marshal(CallToolParams{
		Name:      name,
		Arguments: args,
		Meta:      CallMeta{InstanceID: instanceID},
	})
	if err != nil {
		return CallToolResult{}, fmt.Errorf("failed to marshal call params: %w", err)
	}
	var result CallToolResult
	err = c.call(ctx, MethodToolsCall, params, &result)
	return result, err
}

// Close closes the session on the server. Safe to call on an uninitialized
// client.
func (c *Client) Close(ctx context.Context) error {
	if c.sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(SessionIDHeader, c.sessionID)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	res.Body.Close()
	c.sessionID = ""
	return nil
}

func (c *Client) call(ctx context.Context, method string, params json.RawMessage, result any) error {
	msgID := MustString(fmt.Sprintf("%d", c.nextID.Add(1)))

	res, err := c.post(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msgID,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		var errMsg JSONRPCMessage
		if err := json.NewDecoder(res.Body).Decode(&errMsg); err == nil && errMsg.Error != nil {
			return *errMsg.Error
		}
		return fmt.Errorf("unexpected status %d for %s", res.StatusCode, method)
	}

	if method == methodInitialize {
		c.sessionID = res.Header.Get(SessionIDHeader)
	}

	var msg JSONRPCMessage
	if err := json.NewDecoder(res.Body).Decode(&msg); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if msg.Error != nil {
		return *msg.Error
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Result, result); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

func (c *Client) notify(ctx context.Context, method string) error {
	res, err := c.post(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	})
	if err != nil {
		return err
	}
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status %d for %s", res.StatusCode, method)
	}
	return nil
}

func (c *Client) post(ctx context.Context, msg JSONRPCMessage) (*http.Response, error) {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(msgBs))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.sessionID != "" {
		req.Header.Set(SessionIDHeader, c.sessionID)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	return res, nil
}
