// Package firestore wraps the Cloud Firestore client with lazy dialing, typed collections,
// transaction retries and error classification.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"

	"finitefield.org/order-engine/internal/platform/config"
	"finitefield.org/order-engine/internal/platform/gcp"
)

const (
	dialTimeout      = 10 * time.Second
	healthCollection = "_health"
)

// ErrProviderClosed is returned once Close has been called.
var ErrProviderClosed = errors.New("firestore: provider is closed")

// Provider dials Firestore on first use and hands the same client to every repository.
type Provider struct {
	projectID    string
	databaseID   string
	emulatorHost string

	mu     sync.Mutex
	client *firestore.Client
	closed bool
}

// NewProvider captures cfg. No connection is made until Client is called. A blank project
// falls back to GOOGLE_CLOUD_PROJECT and a blank emulator host to FIRESTORE_EMULATOR_HOST.
func NewProvider(cfg config.FirestoreConfig) *Provider {
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		projectID = strings.TrimSpace(os.Getenv("GOOGLE_CLOUD_PROJECT"))
	}
	emulator := strings.TrimSpace(cfg.EmulatorHost)
	if emulator == "" {
		emulator = strings.TrimSpace(os.Getenv("FIRESTORE_EMULATOR_HOST"))
	}
	databaseID := strings.TrimSpace(cfg.DatabaseID)
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}
	return &Provider{projectID: projectID, databaseID: databaseID, emulatorHost: emulator}
}

// Client returns the shared client, dialing it on first call.
func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProviderClosed
	}
	if p.client != nil {
		return p.client, nil
	}
	if p.projectID == "" {
		return nil, errors.New("firestore: project id is required")
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	client, err := firestore.NewClientWithDatabase(dialCtx, p.projectID, p.databaseID, gcp.EmulatorOptions(p.emulatorHost)...)
	if err != nil {
		return nil, fmt.Errorf("firestore: create client for %s/%s: %w", p.projectID, p.databaseID, err)
	}
	p.client = client
	return client, nil
}

// Close releases the client. The provider cannot be reused afterwards.
func (p *Provider) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

// RunTransaction runs fn through the package-level RunTransaction on the shared client.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc, opts ...TxOption) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	return RunTransaction(ctx, client, fn, opts...)
}

// Ping reads a sentinel document for readiness probes. A missing document counts as healthy.
func (p *Provider) Ping(ctx context.Context) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Collection(healthCollection).Doc("ping").Get(ctx)
	if err = WrapError("ping", err); err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}
