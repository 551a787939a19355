package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Kaname/internal/kaname/persist"
	"github.com/bdobrica/Kaname/internal/kaname/protocol"
)

const snapshotName = "router_registry"

// Handler is an in-process capability implementation. Remote nodes leave it
// nil and are reached over their endpoint_url.
type Handler func(ctx context.Context, msg *protocol.Message) *protocol.Message

// NodeHealth tracks call outcomes per node. Latency smoothing uses a fixed
// EWMA with alpha 0.3.
type NodeHealth struct {
	SuccessCount        int      `json:"success_count"`
	FailureCount        int      `json:"failure_count"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	EWMALatencyMS       *float64 `json:"ewma_latency_ms"`
	CircuitOpenUntil    string   `json:"circuit_open_until,omitempty"`
	UpdatedAt           string   `json:"updated_at"`
}

const ewmaAlpha = 0.3

// NodeRecord is a registry entry. The registry owns records exclusively;
// every read path hands out clones.
type NodeRecord struct {
	Descriptor      NodeDescriptor `json:"descriptor"`
	Handler         Handler        `json:"-"`
	LeaseToken      string         `json:"lease_token"`
	ExpiresAt       time.Time      `json:"expires_at"`
	RegisteredAt    string         `json:"registered_at"`
	LastHeartbeatAt string         `json:"last_heartbeat_at,omitempty"`
	Health          NodeHealth     `json:"health"`
}

func (r *NodeRecord) clone() *NodeRecord {
	out := *r
	raw, err := json.Marshal(r.Descriptor)
	if err == nil {
		var d NodeDescriptor
		if json.Unmarshal(raw, &d) == nil {
			out.Descriptor = d
		}
	}
	if r.Health.EWMALatencyMS != nil {
		v := *r.Health.EWMALatencyMS
		out.Health.EWMALatencyMS = &v
	}
	return &out
}

// Registry is the single shared mutable structure of the router. One lock
// guards it; reads prune, clone, and release before returning, so node
// handlers never run under the lock.
type Registry struct {
	mu      sync.Mutex
	records map[string]*NodeRecord
	store   *persist.Store
	secret  string
	ttl     time.Duration
	now     func() time.Time
}

// New builds a registry guarded by the shared registration secret and
// recovers any snapshot found in the store.
func New(store *persist.Store, registrationSecret string, heartbeatTTL time.Duration) *Registry {
	r := &Registry{
		records: map[string]*NodeRecord{},
		store:   store,
		secret:  registrationSecret,
		ttl:     heartbeatTTL,
		now:     time.Now,
	}
	r.restore()
	return r
}

// SetClock overrides the registry clock. Tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// HeartbeatTTL returns the configured lease duration.
func (r *Registry) HeartbeatTTL() time.Duration {
	return r.ttl
}

// RegisterResult is the outcome of a registration attempt.
type RegisterResult struct {
	OK              bool   `json:"ok"`
	Code            string `json:"code,omitempty"`
	Reason          string `json:"reason,omitempty"`
	NodeID          string `json:"node_id,omitempty"`
	LeaseToken      string `json:"lease_token,omitempty"`
	HeartbeatTTLSec int    `json:"heartbeat_ttl_sec,omitempty"`
}

// Register validates the descriptor and the shared secret, mints a lease,
// replaces any prior record for the node, persists the snapshot, and emits
// router.node_registered.
func (r *Registry) Register(desc NodeDescriptor, handler Handler) RegisterResult {
	if desc.Auth.RegistrationToken != r.secret {
		return RegisterResult{OK: false, Code: protocol.ErrNodeUntrusted, Reason: "registration token mismatch"}
	}
	if err := desc.Validate(); err != nil {
		return RegisterResult{OK: false, Code: protocol.ErrNodeRegInvalid, Reason: err.Error()}
	}

	r.mu.Lock()
	now := r.now()
	record := &NodeRecord{
		Descriptor:   desc,
		Handler:      handler,
		LeaseToken:   uuid.NewString(),
		ExpiresAt:    now.Add(r.ttl),
		RegisteredAt: now.UTC().Format(time.RFC3339),
		Health:       NodeHealth{UpdatedAt: now.UTC().Format(time.RFC3339)},
	}
	r.records[desc.NodeID] = record
	r.snapshotLocked()
	result := RegisterResult{
		OK:              true,
		NodeID:          desc.NodeID,
		LeaseToken:      record.LeaseToken,
		HeartbeatTTLSec: int(r.ttl / time.Second),
	}
	r.mu.Unlock()

	if r.store != nil {
		_ = r.store.EmitEvent("router", "node_registered", map[string]any{
			"node_id":      desc.NodeID,
			"node_version": desc.NodeVersion,
			"capabilities": capabilityNames(desc.Capabilities),
			"priority":     desc.Priority,
		})
	}
	return result
}

// Heartbeat refreshes a lease. The lease token must match exactly; an
// expired or unknown node gets E_NODE_NOT_REGISTERED and must re-register.
func (r *Registry) Heartbeat(nodeID, leaseToken string) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()
	record, ok := r.records[nodeID]
	if !ok {
		return false, protocol.ErrNodeNotRegistered
	}
	if record.LeaseToken != leaseToken {
		return false, protocol.ErrNodeUntrusted
	}
	now := r.now()
	record.ExpiresAt = now.Add(r.ttl)
	record.LastHeartbeatAt = now.UTC().Format(time.RFC3339)
	r.snapshotLocked()
	return true, ""
}

// PruneStale drops expired records immediately. Reads also prune lazily.
func (r *Registry) PruneStale() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
}

func (r *Registry) pruneLocked() {
	now := r.now()
	changed := false
	for id, record := range r.records {
		if !record.ExpiresAt.After(now) {
			delete(r.records, id)
			changed = true
		}
	}
	if changed {
		r.snapshotLocked()
	}
}

// ActiveRecords returns clones of all live records.
func (r *Registry) ActiveRecords() []*NodeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()
	out := make([]*NodeRecord, 0, len(r.records))
	for _, record := range r.records {
		out = append(out, record.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.NodeID < out[j].Descriptor.NodeID })
	return out
}

// GetRecord returns a clone of one live record.
func (r *Registry) GetRecord(nodeID string) (*NodeRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()
	record, ok := r.records[nodeID]
	if !ok {
		return nil, false
	}
	return record.clone(), true
}

// UpdateHealth records one call outcome. latencyMS < 0 means unmeasured.
func (r *Registry) UpdateHealth(nodeID string, success bool, latencyMS float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[nodeID]
	if !ok {
		return
	}
	h := &record.Health
	if success {
		h.SuccessCount++
		h.ConsecutiveFailures = 0
	} else {
		h.FailureCount++
		h.ConsecutiveFailures++
	}
	if latencyMS >= 0 {
		if h.EWMALatencyMS == nil {
			v := latencyMS
			h.EWMALatencyMS = &v
		} else {
			v := (1-ewmaAlpha)*(*h.EWMALatencyMS) + ewmaAlpha*latencyMS
			h.EWMALatencyMS = &v
		}
	}
	h.UpdatedAt = r.now().UTC().Format(time.RFC3339)
	r.snapshotLocked()
}

// Candidates returns clones of live records that speak protocolVersion and
// claim the capability, already sorted by selection preference.
func (r *Registry) Candidates(intent, protocolVersion string) []*NodeRecord {
	var out []*NodeRecord
	for _, record := range r.ActiveRecords() {
		if !record.Descriptor.SupportsProtocol(protocolVersion) {
			continue
		}
		if record.Descriptor.Capability(intent) == nil {
			continue
		}
		out = append(out, record)
	}
	SortByPreference(out)
	return out
}

// SortByPreference orders records by the total selection order: higher
// priority, then higher node_version, then lexicographically smaller node_id.
func SortByPreference(records []*NodeRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Descriptor.Priority != b.Descriptor.Priority {
			return a.Descriptor.Priority > b.Descriptor.Priority
		}
		av := parsedVersion(a.Descriptor.NodeVersion)
		bv := parsedVersion(b.Descriptor.NodeVersion)
		if cmp := av.Compare(bv); cmp != 0 {
			return cmp > 0
		}
		return a.Descriptor.NodeID < b.Descriptor.NodeID
	})
}

// CapabilityMetadata returns the canonical metadata for an intent: the
// declaration of the most preferred live node claiming it.
func (r *Registry) CapabilityMetadata(intent string) *CapabilityMetadata {
	candidates := r.Candidates(intent, protocol.Version)
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0].Descriptor.Capability(intent)
}

// Catalog maps each live capability name to its provider summaries, ordered
// by selection preference.
func (r *Registry) Catalog() map[string][]map[string]any {
	records := r.ActiveRecords()
	SortByPreference(records)

	catalog := map[string][]map[string]any{}
	for _, record := range records {
		for _, c := range record.Descriptor.Capabilities {
			catalog[c.Name] = append(catalog[c.Name], map[string]any{
				"node_id":             record.Descriptor.NodeID,
				"node_version":        record.Descriptor.NodeVersion,
				"priority":            record.Descriptor.Priority,
				"risk_class":          c.RiskClass,
				"required_extensions": append([]string{}, c.RequiredExtensions...),
				"approval_required":   c.ApprovalRequired,
				"provider":            c.Provider,
				"capability_version":  c.CapabilityVersion,
			})
		}
	}
	return catalog
}

// snapshotLocked persists the full registry view. Secret-looking fields
// (lease and registration tokens) are scrubbed by the persistence layer, so
// a recovered snapshot never restores usable leases; nodes re-register.
func (r *Registry) snapshotLocked() {
	if r.store == nil {
		return
	}
	nodes := make([]any, 0, len(r.records))
	for _, record := range r.records {
		raw, err := json.Marshal(record)
		if err != nil {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		nodes = append(nodes, m)
	}
	_ = r.store.SaveState(snapshotName, map[string]any{"nodes": nodes})
}

// restore reloads the snapshot, discarding records whose descriptors no
// longer validate. Handlers stay empty; in-process nodes re-register at
// startup and remote nodes come back through register/heartbeat.
func (r *Registry) restore() {
	if r.store == nil {
		return
	}
	snapshot := r.store.LoadState(snapshotName, map[string]any{"nodes": []any{}})
	rawNodes, _ := snapshot["nodes"].([]any)
	for _, rawNode := range rawNodes {
		raw, err := json.Marshal(rawNode)
		if err != nil {
			continue
		}
		var record NodeRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			continue
		}
		if err := record.Descriptor.Validate(); err != nil {
			continue
		}
		r.records[record.Descriptor.NodeID] = &record
	}
}

func capabilityNames(caps []CapabilityMetadata) []any {
	out := make([]any, 0, len(caps))
	for _, c := range caps {
		out = append(out, c.Name)
	}
	return out
}
