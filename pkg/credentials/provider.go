// Package credentials resolves encrypted credential records into scoped,
// short-lived plaintext for a single sandbox invocation. Secrets are
// AES-GCM encrypted at rest; decrypted material lives only inside a Lease
// and is zeroized when the lease closes.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/FlexiInc/sirpi-gcp/pkg/stores"
	"github.com/FlexiInc/sirpi-gcp/pkg/telemetry"
)

// Store is the subset of the persistence layer the provider needs.
type Store interface {
	UpsertCredential(ctx context.Context, c *stores.Credential) error
	ListCredentials(ctx context.Context, projectID, provider string) ([]*stores.Credential, error)
}

// Provider encrypts, stores, and transiently resolves project credentials.
type Provider struct {
	store Store
	key   []byte
	log   *telemetry.Logger
}

// NewProvider creates a credential provider. The master secret is
// normalized to a 32-byte AES key with SHA-256.
func NewProvider(store Store, masterSecret string, log *telemetry.Logger) (*Provider, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("master secret is required")
	}

	sum := sha256.Sum256([]byte(masterSecret))
	return &Provider{
		store: store,
		key:   sum[:],
		log:   log.NewComponentLogger("credentials"),
	}, nil
}

// Put encrypts and stores one named secret for a project and provider.
func (p *Provider) Put(ctx context.Context, projectID, provider, name, plaintext string) error {
	if name == "" {
		return fmt.Errorf("credential name is required")
	}
	if plaintext == "" {
		return fmt.Errorf("credential value is required")
	}

	ciphertext, err := p.seal([]byte(plaintext))
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}

	now := time.Now().UTC()
	err = p.store.UpsertCredential(ctx, &stores.Credential{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		Provider:   provider,
		Name:       name,
		Ciphertext: ciphertext,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return err
	}

	p.log.WithProjectID(projectID).WithField("name", name).Debug("credential stored")
	return nil
}

// Resolve decrypts all credentials for a project and provider into a
// Lease scoped to one sandbox invocation. It fails when no credentials
// exist or any record cannot be decrypted, before any sandbox is created.
func (p *Provider) Resolve(ctx context.Context, projectID, provider string) (*Lease, error) {
	records, err := p.store.ListCredentials(ctx, projectID, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no %s credentials configured for project %s", provider, projectID)
	}

	lease := &Lease{values: make(map[string][]byte, len(records))}
	for _, rec := range records {
		plain, err := p.open(rec.Ciphertext)
		if err != nil {
			lease.Close()
			return nil, fmt.Errorf("failed to decrypt credential %s: %w", rec.Name, err)
		}
		lease.values[rec.Name] = plain
	}

	p.log.WithProjectID(projectID).
		WithField("count", len(records)).
		Debug("credentials resolved")
	return lease, nil
}

func (p *Provider) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(p.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (p *Provider) open(payload []byte) ([]byte, error) {
	block, err := aes.NewCipher(p.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(payload) < gcm.NonceSize() {
		return nil, io.ErrUnexpectedEOF
	}
	nonce := payload[:gcm.NonceSize()]
	ciphertext := payload[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Lease holds decrypted credential material for the duration of one
// sandbox invocation.
type Lease struct {
	values map[string][]byte
	closed bool
}

// NewStaticLease builds a lease from already-plaintext values. Used for
// local development and tests where no encrypted store is involved.
func NewStaticLease(values map[string]string) *Lease {
	l := &Lease{values: make(map[string][]byte, len(values))}
	for name, v := range values {
		l.values[name] = []byte(v)
	}
	return l
}

// Has reports whether the lease carries a credential with the given name.
func (l *Lease) Has(name string) bool {
	_, ok := l.values[name]
	return ok
}

// Env renders the lease as NAME=value pairs for sandbox injection, in
// stable order.
func (l *Lease) Env() []string {
	names := make([]string, 0, len(l.values))
	for name := range l.values {
		names = append(names, name)
	}
	sort.Strings(names)

	env := make([]string, 0, len(names))
	for _, name := range names {
		env = append(env, name+"="+string(l.values[name]))
	}
	return env
}

// Redactor builds a redactor over the lease's plaintext values so secrets
// are scrubbed from captured output before it reaches the log stream.
func (l *Lease) Redactor() *Redactor {
	secrets := make([]string, 0, len(l.values))
	for _, v := range l.values {
		secrets = append(secrets, string(v))
	}
	return NewRedactor(secrets)
}

// Close zeroizes the decrypted material. Safe to call more than once.
func (l *Lease) Close() {
	if l.closed {
		return
	}
	for name, v := range l.values {
		for i := range v {
			v[i] = 0
		}
		delete(l.values, name)
	}
	l.closed = true
}
