package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mongo-mcp/internal/mongodb"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestDispatcher(t *testing.T, cfg DispatcherConfig, toolset ...*Tool) *Dispatcher {
	t.Helper()
	reg := NewRegistry()
	for _, tool := range toolset {
		require.NoError(t, reg.Register(tool))
	}
	return NewDispatcher(reg, cfg, quietLogger())
}

func findSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"collection": map[string]any{"type": "string"},
			"filter":     map[string]any{"type": "object"},
		},
		"required": []string{"collection", "filter"},
	}
}

type reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

func decodeReply(t *testing.T, raw []byte) reply {
	t.Helper()
	require.NotNil(t, raw)
	var r reply
	require.NoError(t, json.Unmarshal(raw, &r))
	assert.Equal(t, "2.0", r.JSONRPC)
	return r
}

func callMessage(t *testing.T, id any, tool string, args any) []byte {
	t.Helper()
	msg := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "tools/call",
		"params":  map[string]any{"name": tool, "arguments": args},
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}

func TestHandleMalformedJSON(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{})

	r := decodeReply(t, d.Handle(context.Background(), []byte("{not json")))
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeParseError, r.Error.Code)
	assert.Equal(t, ClassMalformed, r.Error.Data.Class)
	assert.Equal(t, "null", string(r.ID))
}

func TestHandleMissingMethod(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{})

	r := decodeReply(t, d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":1}`)))
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeInvalidRequest, r.Error.Code)
	assert.Equal(t, "1", string(r.ID))
}

func TestHandleUnknownMethod(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{})

	r := decodeReply(t, d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)))
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeMethodNotFound, r.Error.Code)
}

func TestHandleNotificationProducesNoReply(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{})

	raw := d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	assert.Nil(t, raw)
}

func TestHandleInitialize(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{ServerName: "mongo-mcp", ServerVersion: "9.9.9"})

	r := decodeReply(t, d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":"init-1","method":"initialize"}`)))
	require.Nil(t, r.Error)
	assert.Equal(t, `"init-1"`, string(r.ID))

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	require.NoError(t, json.Unmarshal(r.Result, &result))
	assert.Equal(t, ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "mongo-mcp", result.ServerInfo.Name)
	assert.Equal(t, "9.9.9", result.ServerInfo.Version)
}

func TestHandleToolsList(t *testing.T) {
	tool := echoTool("find_documents")
	tool.InputSchema = findSchema()
	d := newTestDispatcher(t, DispatcherConfig{}, tool)

	r := decodeReply(t, d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)))
	require.Nil(t, r.Error)

	var result struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(r.Result, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "find_documents", result.Tools[0].Name)
	assert.NotNil(t, result.Tools[0].InputSchema)
}

func TestCallUnknownTool(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{})

	r := decodeReply(t, d.Handle(context.Background(), callMessage(t, 1, "nope", map[string]any{})))
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeUnknownTool, r.Error.Code)
	assert.Equal(t, ClassUnknownTool, r.Error.Data.Class)
}

func TestCallMissingToolName(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{})

	r := decodeReply(t, d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`)))
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeInvalidRequest, r.Error.Code)
	assert.Equal(t, ClassMalformed, r.Error.Data.Class)
}

func TestCallValidationFailure(t *testing.T) {
	tool := echoTool("find_documents")
	tool.InputSchema = findSchema()
	d := newTestDispatcher(t, DispatcherConfig{}, tool)

	// filter is required but absent
	r := decodeReply(t, d.Handle(context.Background(), callMessage(t, 1, "find_documents", map[string]any{"collection": "users"})))
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeInvalidParams, r.Error.Code)
	assert.Equal(t, ClassValidation, r.Error.Data.Class)
	assert.Equal(t, "filter", r.Error.Data.Field)

	// collection has the wrong type
	r = decodeReply(t, d.Handle(context.Background(), callMessage(t, 2, "find_documents", map[string]any{"collection": 12, "filter": map[string]any{}})))
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeInvalidParams, r.Error.Code)
	assert.Equal(t, "collection", r.Error.Data.Field)
}

func TestCallSuccessReturnsDocuments(t *testing.T) {
	docs := []map[string]any{
		{"_id": "1", "name": "ada"},
		{"_id": "2", "name": "grace"},
		{"_id": "3", "name": "edsger"},
	}
	tool := &Tool{
		Name:        "find_documents",
		InputSchema: findSchema(),
		ReadOnly:    true,
		Handler: func(_ context.Context, _ json.RawMessage) (any, error) {
			return map[string]any{"documents": docs}, nil
		},
	}
	d := newTestDispatcher(t, DispatcherConfig{}, tool)

	r := decodeReply(t, d.Handle(context.Background(), callMessage(t, "req-42", "find_documents", map[string]any{"collection": "users", "filter": map[string]any{}})))
	require.Nil(t, r.Error)
	assert.Equal(t, `"req-42"`, string(r.ID))

	var result CallResult
	require.NoError(t, json.Unmarshal(r.Result, &result))
	require.Len(t, result.Content, 1)

	var payload struct {
		Documents []map[string]any `json:"documents"`
	}
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &payload))
	assert.Len(t, payload.Documents, 3)
}

func TestCallNumericIDEchoed(t *testing.T) {
	tool := echoTool("echo")
	d := newTestDispatcher(t, DispatcherConfig{}, tool)

	r := decodeReply(t, d.Handle(context.Background(), callMessage(t, 7, "echo", map[string]any{})))
	assert.Equal(t, "7", string(r.ID))
}

func TestCallTimeout(t *testing.T) {
	calls := 0
	tool := &Tool{
		Name:        "slow",
		InputSchema: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
			calls++
			if calls == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return "ok", nil
		},
	}
	d := newTestDispatcher(t, DispatcherConfig{RequestTimeout: 20 * time.Millisecond}, tool)

	r := decodeReply(t, d.Handle(context.Background(), callMessage(t, 1, "slow", map[string]any{})))
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeTimeout, r.Error.Code)
	assert.Equal(t, ClassTimeout, r.Error.Data.Class)

	// The dispatcher stays usable for the next request.
	r = decodeReply(t, d.Handle(context.Background(), callMessage(t, 2, "slow", map[string]any{})))
	assert.Nil(t, r.Error)
}

func TestCallStoreUnavailable(t *testing.T) {
	tool := &Tool{
		Name:        "down",
		InputSchema: map[string]any{"type": "object"},
		Handler: func(_ context.Context, _ json.RawMessage) (any, error) {
			return nil, fmt.Errorf("acquire: %w", mongodb.ErrUnavailable)
		},
	}
	d := newTestDispatcher(t, DispatcherConfig{}, tool)

	r := decodeReply(t, d.Handle(context.Background(), callMessage(t, 1, "down", map[string]any{})))
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeUnavailable, r.Error.Code)
	assert.Equal(t, ClassUnavailable, r.Error.Data.Class)
}

func TestCallStoreOperationFailure(t *testing.T) {
	tool := &Tool{
		Name:        "badpipe",
		InputSchema: map[string]any{"type": "object"},
		Handler: func(_ context.Context, _ json.RawMessage) (any, error) {
			return nil, &mongodb.OpError{Op: "aggregate", Collection: "users", Err: errors.New("unknown stage")}
		},
	}
	d := newTestDispatcher(t, DispatcherConfig{}, tool)

	r := decodeReply(t, d.Handle(context.Background(), callMessage(t, 1, "badpipe", map[string]any{})))
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeStoreFailed, r.Error.Code)
	assert.Equal(t, ClassStoreFailed, r.Error.Data.Class)
}

func TestCallInternalFaultIsGeneric(t *testing.T) {
	tool := &Tool{
		Name:        "broken",
		InputSchema: map[string]any{"type": "object"},
		Handler: func(_ context.Context, _ json.RawMessage) (any, error) {
			return nil, errors.New("nil pointer somewhere secret")
		},
	}
	d := newTestDispatcher(t, DispatcherConfig{}, tool)

	r := decodeReply(t, d.Handle(context.Background(), callMessage(t, 1, "broken", map[string]any{})))
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeInternal, r.Error.Code)
	assert.Equal(t, "internal error", r.Error.Message, "internal detail must not leak")
}

func TestConcurrentCallsPreserveCorrelation(t *testing.T) {
	tool := &Tool{
		Name:        "echo_n",
		InputSchema: map[string]any{"type": "object"},
		Handler: func(_ context.Context, args json.RawMessage) (any, error) {
			var in struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return map[string]any{"n": in.N}, nil
		},
	}
	d := newTestDispatcher(t, DispatcherConfig{}, tool)

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			raw := d.Handle(context.Background(), callMessage(t, n, "echo_n", map[string]any{"n": n}))

			var r reply
			if err := json.Unmarshal(raw, &r); err != nil {
				t.Errorf("worker %d: bad reply: %v", n, err)
				return
			}
			if string(r.ID) != fmt.Sprintf("%d", n) {
				t.Errorf("worker %d: got id %s", n, r.ID)
				return
			}
			var result CallResult
			if err := json.Unmarshal(r.Result, &result); err != nil {
				t.Errorf("worker %d: bad result: %v", n, err)
				return
			}
			var payload struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal([]byte(result.Content[0].Text), &payload); err != nil {
				t.Errorf("worker %d: bad payload: %v", n, err)
				return
			}
			if payload.N != n {
				t.Errorf("worker %d: cross-delivered payload %d", n, payload.N)
			}
		}(i)
	}
	wg.Wait()
}

func TestReadOnlyResultCaching(t *testing.T) {
	reads := 0
	readTool := &Tool{
		Name:        "count",
		InputSchema: map[string]any{"type": "object"},
		ReadOnly:    true,
		Handler: func(_ context.Context, _ json.RawMessage) (any, error) {
			reads++
			return map[string]any{"count": reads}, nil
		},
	}
	writeTool := &Tool{
		Name:        "insert",
		InputSchema: map[string]any{"type": "object"},
		Handler: func(_ context.Context, _ json.RawMessage) (any, error) {
			return map[string]any{"ok": true}, nil
		},
	}
	d := newTestDispatcher(t, DispatcherConfig{CacheTTL: time.Minute}, readTool, writeTool)

	args := map[string]any{}
	decodeReply(t, d.Handle(context.Background(), callMessage(t, 1, "count", args)))
	decodeReply(t, d.Handle(context.Background(), callMessage(t, 2, "count", args)))
	assert.Equal(t, 1, reads, "second identical read should come from cache")

	decodeReply(t, d.Handle(context.Background(), callMessage(t, 3, "insert", args)))
	decodeReply(t, d.Handle(context.Background(), callMessage(t, 4, "count", args)))
	assert.Equal(t, 2, reads, "a write must purge cached reads")
}
