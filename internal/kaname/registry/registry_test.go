package registry_test

import (
	"testing"
	"time"

	"github.com/bdobrica/Kaname/internal/kaname/persist"
	"github.com/bdobrica/Kaname/internal/kaname/protocol"
	"github.com/bdobrica/Kaname/internal/kaname/registry"
)

const testSecret = "reg-secret"

func descriptor(nodeID, version string, priority int) registry.NodeDescriptor {
	return registry.NodeDescriptor{
		NodeID:                    nodeID,
		NodeVersion:               version,
		EndpointURL:               "inproc://" + nodeID,
		SupportedProtocolVersions: []string{protocol.Version},
		Priority:                  priority,
		Auth:                      registry.NodeAuth{RegistrationToken: testSecret},
		Capabilities: []registry.CapabilityMetadata{{
			Name:              "chat.general",
			Description:       "general chat",
			RiskClass:         registry.RiskRead,
			SideEffectScope:   registry.ScopeNone,
			Idempotency:       registry.Idempotent,
			Examples:          []string{"say hello"},
			CapabilityVersion: "1.0.0",
		}},
	}
}

func newRegistry(t *testing.T) (*registry.Registry, *persist.Store) {
	t.Helper()
	store, err := persist.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return registry.New(store, testSecret, 15*time.Second), store
}

func TestRegister_RejectsUntrustedToken(t *testing.T) {
	reg, _ := newRegistry(t)
	desc := descriptor("n1", "1.0.0", 100)
	desc.Auth.RegistrationToken = "wrong"
	result := reg.Register(desc, nil)
	if result.OK {
		t.Fatal("expected rejection")
	}
	if result.Code != protocol.ErrNodeUntrusted {
		t.Errorf("expected E_NODE_UNTRUSTED, got %s", result.Code)
	}
}

func TestRegister_RejectsInvalidDescriptor(t *testing.T) {
	reg, _ := newRegistry(t)
	desc := descriptor("n1", "not-a-version", 100)
	result := reg.Register(desc, nil)
	if result.OK {
		t.Fatal("expected rejection")
	}
	if result.Code != protocol.ErrNodeRegInvalid {
		t.Errorf("expected E_NODE_REG_INVALID, got %s", result.Code)
	}
}

func TestRegister_RejectsBrokenInputSchema(t *testing.T) {
	reg, _ := newRegistry(t)
	desc := descriptor("n1", "1.0.0", 100)
	desc.Capabilities[0].InputSchema = map[string]any{"type": 42}
	result := reg.Register(desc, nil)
	if result.OK {
		t.Fatal("expected rejection for malformed input_schema")
	}
	if result.Code != protocol.ErrNodeRegInvalid {
		t.Errorf("expected E_NODE_REG_INVALID, got %s", result.Code)
	}
}

func TestRegister_MintsLeaseAndReplacesPriorRecord(t *testing.T) {
	reg, _ := newRegistry(t)
	first := reg.Register(descriptor("n1", "1.0.0", 100), nil)
	if !first.OK || first.LeaseToken == "" {
		t.Fatalf("expected lease, got %+v", first)
	}
	second := reg.Register(descriptor("n1", "1.1.0", 100), nil)
	if !second.OK {
		t.Fatalf("re-register failed: %+v", second)
	}
	if second.LeaseToken == first.LeaseToken {
		t.Error("re-registration must mint a new lease")
	}
	records := reg.ActiveRecords()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Descriptor.NodeVersion != "1.1.0" {
		t.Error("prior record was not replaced")
	}
}

func TestHeartbeat_Lifecycle(t *testing.T) {
	reg, _ := newRegistry(t)
	base := time.Now()
	now := base
	reg.SetClock(func() time.Time { return now })

	result := reg.Register(descriptor("n1", "1.0.0", 100), nil)

	if ok, _ := reg.Heartbeat("n1", "bogus-lease"); ok {
		t.Fatal("wrong lease token must be rejected")
	}
	if _, code := reg.Heartbeat("n1", "bogus-lease"); code != protocol.ErrNodeUntrusted {
		t.Errorf("expected E_NODE_UNTRUSTED, got %s", code)
	}

	now = base.Add(10 * time.Second)
	if ok, code := reg.Heartbeat("n1", result.LeaseToken); !ok {
		t.Fatalf("valid heartbeat rejected: %s", code)
	}

	// Heartbeat refreshed the lease, so 10s later the node is still live.
	now = base.Add(20 * time.Second)
	if _, ok := reg.GetRecord("n1"); !ok {
		t.Fatal("record expired despite refresh")
	}

	now = base.Add(60 * time.Second)
	if ok, code := reg.Heartbeat("n1", result.LeaseToken); ok || code != protocol.ErrNodeNotRegistered {
		t.Errorf("expired node should get E_NODE_NOT_REGISTERED, got ok=%v code=%s", ok, code)
	}
}

func TestPrune_IsLazyOnEveryRead(t *testing.T) {
	reg, _ := newRegistry(t)
	base := time.Now()
	now := base
	reg.SetClock(func() time.Time { return now })

	reg.Register(descriptor("n1", "1.0.0", 100), nil)
	now = base.Add(16 * time.Second)
	if got := reg.ActiveRecords(); len(got) != 0 {
		t.Fatalf("expected expired record pruned on read, got %d", len(got))
	}
}

func TestSelectionOrder_IsTotal(t *testing.T) {
	reg, _ := newRegistry(t)
	reg.Register(descriptor("z", "1.0.0", 200), nil)
	reg.Register(descriptor("a", "1.2.0", 200), nil)
	reg.Register(descriptor("m", "2.0.0", 100), nil)

	candidates := reg.Candidates("chat.general", protocol.Version)
	if len(candidates) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(candidates))
	}
	got := []string{
		candidates[0].Descriptor.NodeID,
		candidates[1].Descriptor.NodeID,
		candidates[2].Descriptor.NodeID,
	}
	want := []string{"a", "z", "m"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("selection order wrong: got %v, want %v", got, want)
		}
	}
}

func TestSelectionOrder_NodeIDTieBreak(t *testing.T) {
	reg, _ := newRegistry(t)
	reg.Register(descriptor("beta", "1.0.0", 100), nil)
	reg.Register(descriptor("alpha", "1.0.0", 100), nil)
	candidates := reg.Candidates("chat.general", protocol.Version)
	if candidates[0].Descriptor.NodeID != "alpha" {
		t.Errorf("tie should break on smaller node_id, got %s", candidates[0].Descriptor.NodeID)
	}
}

func TestUpdateHealth_EWMAAndCounters(t *testing.T) {
	reg, _ := newRegistry(t)
	reg.Register(descriptor("n1", "1.0.0", 100), nil)

	reg.UpdateHealth("n1", true, 100)
	record, _ := reg.GetRecord("n1")
	if record.Health.EWMALatencyMS == nil || *record.Health.EWMALatencyMS != 100 {
		t.Fatalf("first sample should seed EWMA, got %v", record.Health.EWMALatencyMS)
	}

	reg.UpdateHealth("n1", true, 200)
	record, _ = reg.GetRecord("n1")
	// 0.7*100 + 0.3*200 = 130
	if got := *record.Health.EWMALatencyMS; got < 129.9 || got > 130.1 {
		t.Errorf("expected EWMA 130, got %v", got)
	}

	reg.UpdateHealth("n1", false, -1)
	reg.UpdateHealth("n1", false, -1)
	record, _ = reg.GetRecord("n1")
	if record.Health.ConsecutiveFailures != 2 || record.Health.FailureCount != 2 {
		t.Errorf("failure counters wrong: %+v", record.Health)
	}

	reg.UpdateHealth("n1", true, -1)
	record, _ = reg.GetRecord("n1")
	if record.Health.ConsecutiveFailures != 0 {
		t.Error("success must reset consecutive_failures")
	}
	if record.Health.SuccessCount != 3 {
		t.Errorf("expected 3 successes, got %d", record.Health.SuccessCount)
	}
}

func TestReads_ReturnClones(t *testing.T) {
	reg, _ := newRegistry(t)
	reg.Register(descriptor("n1", "1.0.0", 100), nil)
	record, _ := reg.GetRecord("n1")
	record.Descriptor.Priority = 999
	record.Descriptor.Capabilities[0].RiskClass = registry.RiskDestructive

	fresh, _ := reg.GetRecord("n1")
	if fresh.Descriptor.Priority != 100 {
		t.Error("mutating a returned record leaked into the registry")
	}
	if fresh.Descriptor.Capabilities[0].RiskClass != registry.RiskRead {
		t.Error("capability slice is shared with callers")
	}
}

func TestCatalog_SummarizesProviders(t *testing.T) {
	reg, _ := newRegistry(t)
	reg.Register(descriptor("n1", "1.0.0", 100), nil)
	catalog := reg.Catalog()
	providers, ok := catalog["chat.general"]
	if !ok || len(providers) != 1 {
		t.Fatalf("catalog missing chat.general: %v", catalog)
	}
	if providers[0]["node_id"] != "n1" || providers[0]["approval_required"] != false {
		t.Errorf("provider summary wrong: %v", providers[0])
	}
}

func TestSnapshot_RecoversDescriptorsWithoutLeases(t *testing.T) {
	store, err := persist.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	first := registry.New(store, testSecret, time.Hour)
	lease := first.Register(descriptor("n1", "1.0.0", 100), nil).LeaseToken

	recovered := registry.New(store, testSecret, time.Hour)
	record, ok := recovered.GetRecord("n1")
	if !ok {
		t.Fatal("snapshot did not recover the node")
	}
	if record.Handler != nil {
		t.Error("recovered records must not carry handlers")
	}
	// Tokens are scrubbed at rest, so the old lease cannot authenticate.
	if ok, _ := recovered.Heartbeat("n1", lease); ok {
		t.Error("scrubbed snapshot should not honor the previous lease")
	}
}
