package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"mongo-mcp/internal/mongodb"
	"mongo-mcp/internal/schema"
)

// DispatcherConfig tunes per-call behavior.
type DispatcherConfig struct {
	ServerName    string
	ServerVersion string
	// RequestTimeout is the deadline applied to every tools/call handler
	// (default 30s).
	RequestTimeout time.Duration
	// CacheTTL enables the read-only result cache when positive.
	CacheTTL time.Duration
}

// Dispatcher turns raw JSON-RPC messages into replies: decode, route,
// validate, invoke, classify, encode. A well-formed request always produces
// exactly one reply carrying the request's correlation id; notifications
// produce none.
type Dispatcher struct {
	reg   *Registry
	cfg   DispatcherConfig
	log   *logrus.Logger
	cache *resultCache
}

// NewDispatcher wires a dispatcher over a populated registry.
func NewDispatcher(reg *Registry, cfg DispatcherConfig, log *logrus.Logger) *Dispatcher {
	if cfg.ServerName == "" {
		cfg.ServerName = "mongo-mcp"
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "0.1.0"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{
		reg:   reg,
		cfg:   cfg,
		log:   log,
		cache: newResultCache(),
	}
}

// Handle processes one raw message and returns the encoded reply, or nil for
// notifications. It never panics and never returns a malformed reply: every
// failure mode maps to a structured error response.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) []byte {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return encode(errorResponse(nil, CodeParseError, "parse error", &ErrorData{Class: ClassMalformed}))
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return encode(errorResponse(req.ID, CodeInvalidRequest, "invalid request", &ErrorData{Class: ClassMalformed}))
	}

	if req.Notification() {
		// notifications/initialized and friends are acknowledged silently.
		d.log.WithField("method", req.Method).Debug("notification received")
		return nil
	}

	var resp *Response
	switch req.Method {
	case "initialize":
		resp = resultResponse(req.ID, map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
			"serverInfo": map[string]any{
				"name":    d.cfg.ServerName,
				"version": d.cfg.ServerVersion,
			},
		})
	case "ping":
		resp = resultResponse(req.ID, map[string]any{})
	case "tools/list":
		resp = resultResponse(req.ID, map[string]any{"tools": d.reg.List()})
	case "tools/call":
		resp = d.call(ctx, &req)
	default:
		resp = errorResponse(req.ID, CodeMethodNotFound, "method not found: "+req.Method, nil)
	}
	return encode(resp)
}

// Tools returns the catalog served by tools/list.
func (d *Dispatcher) Tools() []ToolDescriptor {
	return d.reg.List()
}

// Call validates and invokes a tool directly, bypassing the JSON-RPC
// envelope. The REST surface uses it.
func (d *Dispatcher) Call(ctx context.Context, name string, args json.RawMessage) (*CallResult, *RPCError) {
	tool, err := d.reg.Lookup(name)
	if err != nil {
		return nil, &RPCError{Code: CodeUnknownTool, Message: "unknown tool: " + name, Data: &ErrorData{Class: ClassUnknownTool}}
	}
	if err := schema.Validate(tool.InputSchema, args); err != nil {
		var fe *schema.FieldError
		data := &ErrorData{Class: ClassValidation}
		if errors.As(err, &fe) {
			data.Field = fe.Field
		}
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error(), Data: data}
	}
	return d.invoke(ctx, tool, args)
}

func (d *Dispatcher) call(ctx context.Context, req *Request) *Response {
	var params CallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errorResponse(req.ID, CodeInvalidRequest, "tools/call requires a tool name", &ErrorData{Class: ClassMalformed})
	}
	result, rpcErr := d.Call(ctx, params.Name, params.Arguments)
	if rpcErr != nil {
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	}
	return resultResponse(req.ID, result)
}

func (d *Dispatcher) invoke(ctx context.Context, tool *Tool, args json.RawMessage) (*CallResult, *RPCError) {
	cacheKey := ""
	if tool.ReadOnly && d.cfg.CacheTTL > 0 {
		cacheKey = tool.Name + "\x00" + string(args)
		if cached, ok := d.cache.get(cacheKey); ok {
			return cached, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	payload, err := tool.Handler(ctx, args)
	elapsed := time.Since(start)

	entry := d.log.WithFields(logrus.Fields{"tool": tool.Name, "duration": elapsed})
	if err != nil {
		rpcErr := d.classify(tool.Name, err)
		entry.WithField("class", rpcErr.Data.Class).Warn("tool call failed")
		return nil, rpcErr
	}
	entry.Debug("tool call completed")

	encoded, err := json.Marshal(payload)
	if err != nil {
		d.log.WithError(err).WithField("tool", tool.Name).Error("tool result not serializable")
		return nil, &RPCError{Code: CodeInternal, Message: "internal error", Data: &ErrorData{Class: ClassInternal}}
	}
	result := TextResult(string(encoded))

	if cacheKey != "" {
		d.cache.set(cacheKey, result, d.cfg.CacheTTL)
	}
	if !tool.ReadOnly {
		// A successful write invalidates whatever reads were cached.
		d.cache.purge()
	}
	return result, nil
}

// classify maps a handler failure onto the error taxonomy. Internal faults
// are logged in full but surfaced generically.
func (d *Dispatcher) classify(tool string, err error) *RPCError {
	var fe *schema.FieldError
	var oe *mongodb.OpError
	switch {
	case errors.As(err, &fe):
		return &RPCError{Code: CodeInvalidParams, Message: fe.Error(), Data: &ErrorData{Class: ClassValidation, Field: fe.Field}}
	case errors.Is(err, context.DeadlineExceeded):
		return &RPCError{Code: CodeTimeout, Message: "operation exceeded its deadline", Data: &ErrorData{Class: ClassTimeout}}
	case errors.Is(err, mongodb.ErrUnavailable):
		return &RPCError{Code: CodeUnavailable, Message: "document store unavailable", Data: &ErrorData{Class: ClassUnavailable}}
	case errors.As(err, &oe):
		return &RPCError{Code: CodeStoreFailed, Message: oe.Error(), Data: &ErrorData{Class: ClassStoreFailed}}
	default:
		d.log.WithError(err).WithField("tool", tool).Error("tool call failed internally")
		return &RPCError{Code: CodeInternal, Message: "internal error", Data: &ErrorData{Class: ClassInternal}}
	}
}

func resultResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string, data *ErrorData) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message, Data: data}}
}

func encode(resp *Response) []byte {
	out, err := json.Marshal(resp)
	if err != nil {
		// Response shapes are marshal-safe by construction; this is a
		// last-ditch guard so the transport always gets valid JSON.
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return out
}
