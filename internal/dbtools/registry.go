// Package dbtools implements the bundled database tool server: a
// registry of named, schema-described tools backed by a Postgres pool,
// served over the same newline-delimited JSON-RPC pipe the agent speaks.
package dbtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownTool reports a call for a tool that is not in the catalog.
// It must surface as a protocol-level error, unlike handler failures.
var ErrUnknownTool = errors.New("unknown tool")

// Handler executes one tool call and returns the text payload of its
// result. A returned error becomes an isError tool result, not a protocol
// error; protocol errors are reserved for unknown tools and bad params.
type Handler func(ctx context.Context, args Arguments) (string, error)

// Arguments is the decoded argument object of a tools/call request.
type Arguments map[string]any

// String returns the named argument as a string, or def when absent.
func (a Arguments) String(key, def string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return def
}

// Int returns the named argument as an int, or def when absent. JSON
// numbers decode as float64, so both forms are accepted.
func (a Arguments) Int(key string, def int) int {
	switch v := a[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

// Registration describes one tool offered by the server.
type Registration struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     Handler
}

// Registry holds the server's tool catalog. Registration happens before
// serving starts; the catalog is read-only afterwards.
type Registry struct {
	order    []Registration
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a tool. Registering a duplicate name panics: the catalog
// is assembled from static code and a duplicate is a programming error.
func (r *Registry) Register(reg Registration) {
	if _, ok := r.handlers[reg.Name]; ok {
		panic(fmt.Sprintf("dbtools: duplicate tool %q", reg.Name))
	}
	r.order = append(r.order, reg)
	r.handlers[reg.Name] = reg.Handler
}

// Registrations returns the catalog in registration order.
func (r *Registry) Registrations() []Registration {
	regs := make([]Registration, len(r.order))
	copy(regs, r.order)
	return regs
}

// Call runs the named tool. A tool not in the catalog yields an error
// wrapping ErrUnknownTool; any other error came from the handler.
func (r *Registry) Call(ctx context.Context, name string, args Arguments) (string, error) {
	h, ok := r.handlers[name]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownTool, name)
	}
	return h(ctx, args)
}

func schema(js string) json.RawMessage {
	return json.RawMessage(js)
}
