// Package validator implements the lazy-compiled, process-wide schema
// registry (spec §4.1): schemas are registered eagerly by $id but
// compiled on first use, and the compiled set is shared across every
// Registry instance for a given subprotocol via a package-level
// deduplication table - the same "register now, compile/generate on
// demand" shape as the donor's generic tool registry
// (internal/mcp/registry.go's Register[P]/GenerateSchema[P]).
package validator

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/ocppware/ocppws-go/internal/ocpp"
)

// compiledEntry lazily holds the resolved schema for one $id.
type compiledEntry struct {
	once     sync.Once
	raw      *jsonschema.Schema
	resolved *jsonschema.Resolved
	err      error
}

// Registry holds the schema set for one subprotocol (e.g. "ocpp1.6").
// Create one per subprotocol via ForSubprotocol, never directly.
type Registry struct {
	subprotocol string
	mu          sync.RWMutex
	entries     map[string]*compiledEntry
}

var (
	sharedMu       sync.Mutex
	sharedRegistry = map[string]*Registry{}
)

// ForSubprotocol returns the process-wide shared Registry for
// subprotocol, creating it on first use. Multiple Server/Connection
// instances for the same subprotocol therefore compile each schema at
// most once per process.
func ForSubprotocol(subprotocol string) *Registry {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if r, ok := sharedRegistry[subprotocol]; ok {
		return r
	}
	r := &Registry{subprotocol: subprotocol, entries: map[string]*compiledEntry{}}
	sharedRegistry[subprotocol] = r
	return r
}

// RequestSchemaID and ConfSchemaID build the conventional $id for an
// action's request/response schema, per spec §4.1.
func RequestSchemaID(action string) string { return fmt.Sprintf("urn:%s.req", action) }
func ConfSchemaID(action string) string    { return fmt.Sprintf("urn:%s.conf", action) }

// Register eagerly records schema (a *jsonschema.Schema, a
// map[string]any, or raw JSON bytes) under id. It is not compiled until
// the first Validate call against that id.
func (r *Registry) Register(id string, schema any) error {
	s, err := toSchema(schema)
	if err != nil {
		return fmt.Errorf("validator: registering %q: %w", id, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &compiledEntry{raw: s}
	return nil
}

func toSchema(schema any) (*jsonschema.Schema, error) {
	switch v := schema.(type) {
	case nil:
		return nil, fmt.Errorf("nil schema")
	case *jsonschema.Schema:
		return v, nil
	case []byte:
		s := &jsonschema.Schema{}
		if err := json.Unmarshal(v, s); err != nil {
			return nil, err
		}
		return s, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		s := &jsonschema.Schema{}
		if err := json.Unmarshal(b, s); err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Has reports whether a schema is registered under id. Missing schemas
// are skipped by Validate (spec: "not all actions are validated").
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Validate compiles (on first use) and validates payload against the
// schema registered under id. A missing schema is not an error - it is
// reported via the bool return so callers can skip validation. Schema
// failures are returned as *ocpp.RPCError with the code chosen by the
// first failing keyword per the closed mapping table.
func (r *Registry) Validate(id string, payload []byte) (bool, error) {
	r.mu.RLock()
	entry, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}

	entry.once.Do(func() {
		entry.resolved, entry.err = entry.raw.Resolve(nil)
	})
	if entry.err != nil {
		return true, ocpp.NewRPCError(ocpp.ErrRpcFrameworkError, "schema compile failed: "+entry.err.Error())
	}

	var instance any
	if err := json.Unmarshal(payload, &instance); err != nil {
		return true, ocpp.NewRPCError(ocpp.ErrFormationViolation, "payload is not valid JSON")
	}

	if err := entry.resolved.Validate(instance); err != nil {
		return true, ocpp.NewRPCErrorDetails(classify(err), err.Error(), nil)
	}
	return true, nil
}

// classify maps a jsonschema validation error to an OCPP error code by
// locating the first keyword named in the error message that appears
// in the closed keyword table (spec §4.1). This keeps the mapping
// itself a plain lookup table even though the underlying library
// reports failures as formatted strings rather than structured keyword
// values.
func classify(err error) string {
	msg := err.Error()
	for _, kw := range keywordScanOrder {
		if strings.Contains(msg, kw) {
			return ocpp.KeywordToErrorCode(kw)
		}
	}
	return ocpp.ErrFormatViolation
}

// keywordScanOrder lists keywords most-specific-first so a message
// mentioning several (e.g. nested schema errors) resolves to the
// innermost, most meaningful one.
var keywordScanOrder = []string{
	"additionalProperties", "additionalItems", "exclusiveMinimum", "exclusiveMaximum",
	"multipleOf", "minProperties", "maxProperties", "minItems", "maxItems", "required",
	"minLength", "maxLength", "minimum", "maximum", "pattern", "format",
	"anyOf", "oneOf", "not", "if", "enum", "const", "type",
}
