// Package registry owns the set of registered capability nodes: lease-based
// registration, heartbeats, lazy pruning, per-node health, and the snapshot
// that survives restarts.
package registry

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Risk classes, ordered by blast radius.
const (
	RiskRead        = "read"
	RiskMutate      = "mutate"
	RiskDestructive = "destructive"
)

// Side-effect scopes.
const (
	ScopeNone     = "none"
	ScopeFile     = "file"
	ScopeExternal = "external"
)

// Idempotency declarations.
const (
	Idempotent    = "idempotent"
	NonIdempotent = "non_idempotent"
)

// CapabilityMetadata is a node's self-description of one operation it
// implements. The router trusts these declarations and verifies the cheap
// ones (read-tier capabilities are fingerprint-checked).
type CapabilityMetadata struct {
	Name               string         `json:"name"`
	Description        string         `json:"description"`
	InputSchema        map[string]any `json:"input_schema,omitempty"`
	RiskClass          string         `json:"risk_class"`
	RequiredExtensions []string       `json:"required_extensions"`
	ApprovalRequired   bool           `json:"approval_required"`
	Examples           []string       `json:"examples"`
	Idempotency        string         `json:"idempotency"`
	SideEffectScope    string         `json:"side_effect_scope"`
	CapabilityVersion  string         `json:"capability_version"`
	Provider           string         `json:"provider,omitempty"`
}

// NodeAuth carries the shared registration secret.
type NodeAuth struct {
	RegistrationToken string `json:"registration_token"`
}

// NodeDescriptor is what a node presents at registration time.
type NodeDescriptor struct {
	NodeID                    string               `json:"node_id"`
	NodeVersion               string               `json:"node_version"`
	EndpointURL               string               `json:"endpoint_url"`
	SupportedProtocolVersions []string             `json:"supported_protocol_versions"`
	Capabilities              []CapabilityMetadata `json:"capabilities"`
	Priority                  int                  `json:"priority"`
	Auth                      NodeAuth             `json:"auth"`
}

// SupportsProtocol reports whether the descriptor lists version v.
func (d *NodeDescriptor) SupportsProtocol(v string) bool {
	for _, supported := range d.SupportedProtocolVersions {
		if supported == v {
			return true
		}
	}
	return false
}

// Capability returns the metadata for the named capability, or nil.
func (d *NodeDescriptor) Capability(name string) *CapabilityMetadata {
	for i := range d.Capabilities {
		if d.Capabilities[i].Name == name {
			return &d.Capabilities[i]
		}
	}
	return nil
}

var riskClasses = map[string]bool{RiskRead: true, RiskMutate: true, RiskDestructive: true}
var sideEffectScopes = map[string]bool{ScopeNone: true, ScopeFile: true, ScopeExternal: true}
var idempotencies = map[string]bool{Idempotent: true, NonIdempotent: true}

// Validate checks the descriptor shape. The registration token is checked
// separately so an untrusted node gets E_NODE_UNTRUSTED, not a shape error.
func (d *NodeDescriptor) Validate() error {
	if d.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if _, err := semver.NewVersion(d.NodeVersion); err != nil {
		return fmt.Errorf("node_version %q is not a semver version", d.NodeVersion)
	}
	if d.EndpointURL == "" {
		return fmt.Errorf("endpoint_url is required")
	}
	if len(d.SupportedProtocolVersions) == 0 {
		return fmt.Errorf("supported_protocol_versions must be non-empty")
	}
	if len(d.Capabilities) == 0 {
		return fmt.Errorf("capabilities must be non-empty")
	}
	seen := map[string]bool{}
	for i := range d.Capabilities {
		c := &d.Capabilities[i]
		if err := c.validate(); err != nil {
			return fmt.Errorf("capability %d (%s): %w", i, c.Name, err)
		}
		if seen[c.Name] {
			return fmt.Errorf("capability %q declared twice", c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

func (c *CapabilityMetadata) validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Description == "" {
		return fmt.Errorf("description is required")
	}
	if !riskClasses[c.RiskClass] {
		return fmt.Errorf("risk_class %q is not one of read|mutate|destructive", c.RiskClass)
	}
	if !sideEffectScopes[c.SideEffectScope] {
		return fmt.Errorf("side_effect_scope %q is not one of none|file|external", c.SideEffectScope)
	}
	if !idempotencies[c.Idempotency] {
		return fmt.Errorf("idempotency %q is not one of idempotent|non_idempotent", c.Idempotency)
	}
	if len(c.Examples) == 0 {
		return fmt.Errorf("examples must be non-empty")
	}
	if _, err := semver.NewVersion(c.CapabilityVersion); err != nil {
		return fmt.Errorf("capability_version %q is not a semver version", c.CapabilityVersion)
	}
	if len(c.InputSchema) > 0 {
		raw, err := json.Marshal(c.InputSchema)
		if err != nil {
			return fmt.Errorf("input_schema is not encodable: %w", err)
		}
		if _, err := jsonschema.CompileString(c.Name+".schema.json", string(raw)); err != nil {
			return fmt.Errorf("input_schema does not compile: %w", err)
		}
	}
	return nil
}

// parsedVersion parses s, treating anything invalid as 0.0.0 so selection
// stays total even if a stored snapshot predates stricter validation.
func parsedVersion(s string) *semver.Version {
	v, err := semver.NewVersion(s)
	if err != nil {
		return semver.MustParse("0.0.0")
	}
	return v
}
