package credentials

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/FlexiInc/sirpi-gcp/pkg/stores"
	"github.com/FlexiInc/sirpi-gcp/pkg/telemetry"
)

// memStore is an in-memory credential store keyed like the database's
// unique index.
type memStore struct {
	mu      sync.Mutex
	records map[string]*stores.Credential
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*stores.Credential)}
}

func (m *memStore) UpsertCredential(_ context.Context, c *stores.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[c.ProjectID+"/"+c.Provider+"/"+c.Name] = c
	return nil
}

func (m *memStore) ListCredentials(_ context.Context, projectID, provider string) ([]*stores.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*stores.Credential
	for _, c := range m.records {
		if c.ProjectID == projectID && c.Provider == provider {
			out = append(out, c)
		}
	}
	return out, nil
}

func newTestProvider(t *testing.T, store Store) *Provider {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Output: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	p, err := NewProvider(store, "unit-test-master-secret", logger)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	return p
}

func TestPutAndResolveRoundTrip(t *testing.T) {
	store := newMemStore()
	p := newTestProvider(t, store)
	ctx := context.Background()

	if err := p.Put(ctx, "p1", "gcp", "GOOGLE_PROJECT", "acme-prod"); err != nil {
		t.Fatalf("failed to store credential: %v", err)
	}
	if err := p.Put(ctx, "p1", "gcp", "GOOGLE_CREDENTIALS", `{"type":"service_account"}`); err != nil {
		t.Fatalf("failed to store credential: %v", err)
	}

	// Ciphertext at rest must not contain the plaintext.
	for _, rec := range store.records {
		if strings.Contains(string(rec.Ciphertext), "acme-prod") {
			t.Error("plaintext leaked into stored ciphertext")
		}
	}

	lease, err := p.Resolve(ctx, "p1", "gcp")
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	defer lease.Close()

	env := lease.Env()
	want := []string{
		`GOOGLE_CREDENTIALS={"type":"service_account"}`,
		"GOOGLE_PROJECT=acme-prod",
	}
	if len(env) != len(want) {
		t.Fatalf("expected %d env entries, got %d", len(want), len(env))
	}
	for i := range want {
		if env[i] != want[i] {
			t.Errorf("env[%d]: expected %q, got %q", i, want[i], env[i])
		}
	}
	if !lease.Has("GOOGLE_PROJECT") || lease.Has("MISSING") {
		t.Error("unexpected lease membership")
	}
}

func TestResolveNoCredentialsFails(t *testing.T) {
	p := newTestProvider(t, newMemStore())

	if _, err := p.Resolve(context.Background(), "p1", "gcp"); err == nil {
		t.Error("expected resolve without credentials to fail")
	}
}

func TestResolveWrongKeyFails(t *testing.T) {
	store := newMemStore()
	p := newTestProvider(t, store)
	ctx := context.Background()

	if err := p.Put(ctx, "p1", "gcp", "GOOGLE_PROJECT", "acme-prod"); err != nil {
		t.Fatalf("failed to store credential: %v", err)
	}

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Output: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	other, err := NewProvider(store, "a-different-master-secret", logger)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	if _, err := other.Resolve(ctx, "p1", "gcp"); err == nil {
		t.Error("expected resolve with the wrong key to fail")
	}
}

func TestLeaseCloseZeroizes(t *testing.T) {
	lease := NewStaticLease(map[string]string{"TOKEN": "super-secret"})
	raw := lease.values["TOKEN"]

	lease.Close()
	for _, b := range raw {
		if b != 0 {
			t.Fatal("lease material not zeroized")
		}
	}
	if len(lease.Env()) != 0 {
		t.Error("closed lease should render no environment")
	}

	// Idempotent.
	lease.Close()
}

func TestRedactor(t *testing.T) {
	r := NewRedactor([]string{"super-secret-token", "secret", "ab"})

	got := r.Redact("auth with super-secret-token ok")
	if strings.Contains(got, "super-secret-token") {
		t.Errorf("secret survived redaction: %q", got)
	}
	if !strings.Contains(got, "[REDACTED]") {
		t.Errorf("expected placeholder, got %q", got)
	}

	// Longest secret wins, no partial leak from the substring secret.
	if r.Redact("super-secret-token") != "[REDACTED]" {
		t.Errorf("expected full replacement, got %q", r.Redact("super-secret-token"))
	}

	// Short values are never redacted.
	if r.Redact("ab cd") != "ab cd" {
		t.Error("short values must not be redacted")
	}
}

func TestLeaseRedactorCoversAllValues(t *testing.T) {
	lease := NewStaticLease(map[string]string{
		"A": "alpha-secret",
		"B": "bravo-secret",
	})
	defer lease.Close()

	r := lease.Redactor()
	out := r.Redact("alpha-secret and bravo-secret")
	if strings.Contains(out, "alpha-secret") || strings.Contains(out, "bravo-secret") {
		t.Errorf("lease values survived redaction: %q", out)
	}
}
