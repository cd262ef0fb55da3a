package config

// VariantDefinition describes a user-registered OCPP-J subprotocol
// variant beyond the three built-ins (ocpp1.6, ocpp2.0.1, ocpp2.1).
// SchemaSet names the validator.Registry subprotocol key its schemas
// are registered under; MinSecurityProfile lets an operator require a
// stronger profile for a custom variant than the server default.
type VariantDefinition struct {
	Name               string `json:"name"`
	SchemaSet          string `json:"schemaSet"`
	MinSecurityProfile int    `json:"minSecurityProfile"`
}

// VariantRegistry holds custom protocol variants keyed by their
// Sec-WebSocket-Protocol token.
type VariantRegistry struct {
	Variants map[string]VariantDefinition `json:"variants"`
}

// VariantInfo is a VariantDefinition without anything sensitive - there
// is nothing sensitive in a variant today, but the shape mirrors the
// rest of the registry package's Info/List convention.
type VariantInfo struct {
	Name      string `json:"name"`
	SchemaSet string `json:"schemaSet"`
}

// GetVariant returns a variant definition by protocol token.
func (r *VariantRegistry) GetVariant(name string) (VariantDefinition, bool) {
	v, ok := r.Variants[name]
	return v, ok
}

// HasVariant checks if a variant is registered.
func (r *VariantRegistry) HasVariant(name string) bool {
	_, ok := r.Variants[name]
	return ok
}

// ListVariants returns variant info for all registered variants.
func (r *VariantRegistry) ListVariants() []VariantInfo {
	var out []VariantInfo
	for name, def := range r.Variants {
		out = append(out, VariantInfo{Name: name, SchemaSet: def.SchemaSet})
	}
	return out
}

// ResolveSchemaSet resolves a protocol token to the schema-set name it
// should validate against. If the token is not a registered variant, it
// is returned unchanged (the built-in variants use their own name as
// the schema set).
func (r *VariantRegistry) ResolveSchemaSet(name string) string {
	if v, ok := r.Variants[name]; ok && v.SchemaSet != "" {
		return v.SchemaSet
	}
	return name
}

// MinSecurityProfile returns the minimum security profile required for
// name, or 0 (no requirement beyond the server default) if name is not
// a registered variant or doesn't set one.
func (r *VariantRegistry) MinSecurityProfile(name string) int {
	if v, ok := r.Variants[name]; ok {
		return v.MinSecurityProfile
	}
	return 0
}
