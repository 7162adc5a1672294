// Package dispatch routes operation identifiers to handlers that decode a
// JSON payload and call the engine. Handlers can be replaced while the
// process runs.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/rfq-engine/internal/model"
)

// Handler executes one operation from its raw JSON payload.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Table maps operation identifiers to handlers. Safe for concurrent use.
type Table struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{handlers: make(map[string]Handler)}
}

// Register adds a handler for op. It fails if op is already registered.
func (t *Table) Register(op string, h Handler) error {
	if op == "" || h == nil {
		return fmt.Errorf("%w: empty operation or nil handler", model.ErrInvalidArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handlers[op]; ok {
		return fmt.Errorf("%w: operation %s already registered", model.ErrInvalidState, op)
	}
	t.handlers[op] = h
	return nil
}

// Replace swaps the handler for an existing op and returns the previous one.
func (t *Table) Replace(op string, h Handler) (Handler, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil handler", model.ErrInvalidArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.handlers[op]
	if !ok {
		return nil, fmt.Errorf("%w: operation %s", model.ErrNotFound, op)
	}
	t.handlers[op] = h
	return prev, nil
}

// Call runs the handler registered for op.
func (t *Table) Call(ctx context.Context, op string, payload json.RawMessage) (any, error) {
	t.mu.RLock()
	h, ok := t.handlers[op]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: operation %s", model.ErrNotFound, op)
	}
	return h(ctx, payload)
}

// Ops lists the registered operation identifiers in order.
func (t *Table) Ops() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ops := make([]string, 0, len(t.handlers))
	for op := range t.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Typed adapts fn into a Handler that decodes the payload into Req. Unknown
// fields are rejected.
func Typed[Req, Resp any](fn func(ctx context.Context, req Req) (Resp, error)) Handler {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req Req
		if len(bytes.TrimSpace(payload)) > 0 {
			dec := json.NewDecoder(bytes.NewReader(payload))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&req); err != nil {
				return nil, fmt.Errorf("%w: decode payload: %v", model.ErrInvalidArgument, err)
			}
		}
		return fn(ctx, req)
	}
}
