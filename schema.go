package apps

import (
	"encoding/json"
	"fmt"
)

// MustString is a type that enforces string representation for fields that can be either
// string or integer on the wire, such as request IDs. It handles automatic conversion
// during JSON marshaling/unmarshaling.
type MustString string

// JSONRPCMessage represents a JSON-RPC 2.0 message used for all protocol communication.
// It can represent either a request, response, or notification depending on which fields
// are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// Info contains identifying information about a server or a connecting host.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Dialect selects which output representations a session receives for operation
// results. It is decided once per transport session from the host's declared
// identity and never changes operation semantics, only response formatting.
type Dialect string

// Supported output dialects. DialectBoth emits every representation
// simultaneously and is the safe default for unknown hosts.
const (
	DialectStructured Dialect = "structured"
	DialectText       Dialect = "text"
	DialectBoth       Dialect = "both"
)

// SessionCapabilities holds the per-session decisions made from the connecting
// host's declared identity during the initialize handshake.
type SessionCapabilities struct {
	// SupportsMultiInstance reports whether the host can render more than one
	// concurrent instance of a single resource.
	SupportsMultiInstance bool

	// Dialect is the output representation set used for every result sent on
	// this session.
	Dialect Dialect
}

// InitializeParams contains the host's half of the initialize handshake.
type InitializeParams struct {
	// ProtocolVersion is the protocol version the host speaks.
	ProtocolVersion string `json:"protocolVersion"`

	// ClientInfo declares the host's identity, which drives capability
	// negotiation for the whole session.
	ClientInfo Info `json:"clientInfo"`
}

// InitializeResult is the server's half of the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ServerCapabilities advertises which optional feature groups this server exposes.
type ServerCapabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
}

// ToolsCapability marks tools support in ServerCapabilities.
type ToolsCapability struct{}

// ResourcesCapability marks resources support in ServerCapabilities.
type ResourcesCapability struct{}

// ContentType identifies the type of content in wire messages.
type ContentType string

// ContentTypeText is the only content type the runtime itself produces.
const ContentTypeText ContentType = "text"

// Content represents one element of a call result's content list.
type Content struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`
}

// CallMeta carries caller-supplied routing hints on a tools/call request.
type CallMeta struct {
	// InstanceID explicitly targets an existing instance. When set it always
	// wins over multiplicity and capability based resolution.
	InstanceID string `json:"instanceId,omitempty"`
}

// CallToolParams contains parameters for executing an operation.
type CallToolParams struct {
	// Name is the unique identifier of the operation to execute.
	Name string `json:"name"`

	// Arguments is the operation input, passed through to the handler opaquely.
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Meta contains optional routing hints such as an explicit instance id.
	Meta CallMeta `json:"_meta,omitempty"`
}

// ResultMeta is attached by the runtime to every call result before it leaves
// the dispatch boundary. Handlers never populate it themselves.
type ResultMeta struct {
	InstanceID string `json:"instanceId"`
	ChannelURL string `json:"channelUrl,omitempty"`
	Title      string `json:"title,omitempty"`
}

// CallToolResult represents the outcome of an operation call. Which of Content
// and StructuredContent is populated depends on the session's negotiated dialect.
type CallToolResult struct {
	Content           []Content       `json:"content,omitempty"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
	Meta              *ResultMeta     `json:"_meta,omitempty"`
}

// ListToolsParams contains parameters for listing available operations.
type ListToolsParams struct {
	// Cursor is a pagination cursor from a previous tools/list call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`
}

// ToolInfo describes one registered operation in a tools/list result.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult represents the list of operations returned by tools/list.
type ListToolsResult struct {
	Tools      []ToolInfo `json:"tools"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ListResourcesParams contains parameters for listing declared resources.
type ListResourcesParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ResourceInfo describes one declared resource in a resources/list result.
type ResourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// ListResourcesResult represents the list of resources returned by resources/list.
type ListResourcesResult struct {
	Resources  []ResourceInfo `json:"resources"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

// ReadResourceParams contains parameters for retrieving a resource payload.
type ReadResourceParams struct {
	// URI is the unique identifier of the resource to retrieve.
	URI string `json:"uri"`
}

// ResourceContents holds one representation of a resource payload.
type ResourceContents struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ReadResourceResult represents the result of a resources/read request.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// JSONRPCVersion specifies the JSON-RPC protocol version used for all messages.
const JSONRPCVersion = "2.0"

const (
	protocolVersion = "2024-11-05"

	errMsgNoValidSession = "no valid session"

	methodPing       = "ping"
	methodInitialize = "initialize"

	// MethodToolsList is the method name for retrieving a list of available operations.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for executing an operation.
	MethodToolsCall = "tools/call"
	// MethodResourcesList is the method name for listing declared resources.
	MethodResourcesList = "resources/list"
	// MethodResourcesRead is the method name for reading a resource payload.
	MethodResourcesRead = "resources/read"

	methodNotificationsInitialized = "notifications/initialized"

	jsonRPCParseErrorCode     = -32700
	jsonRPCInvalidRequestCode = -32600
	jsonRPCMethodNotFoundCode = -32601
	jsonRPCInvalidParamsCode  = -32602
	jsonRPCInternalErrorCode  = -32603
)

// Error implements the error interface, allowing JSONRPCError values to travel
// through ordinary error returns at the dispatch boundary.
func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}

// MarshalJSON implements json.Marshaler to ensure string representation.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

// UnmarshalJSON implements json.Unmarshaler, accepting either a string or an
// integer value and normalizing it to a string.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch val := v.(type) {
	case string:
		*m = MustString(val)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int64(val)))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}
