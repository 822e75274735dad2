package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeSecretClient struct {
	mu     sync.Mutex
	values map[string]string
	errors map[string]error
	calls  map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{
		values: map[string]string{},
		errors: map[string]error{},
		calls:  map[string]int{},
	}
}

func (c *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[req.GetName()]++
	if err, ok := c.errors[req.GetName()]; ok {
		return nil, err
	}
	value, ok := c.values[req.GetName()]
	if !ok {
		return nil, status.Error(codes.NotFound, "missing")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    req.GetName(),
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	}, nil
}

func (c *fakeSecretClient) Close() error { return nil }

func (c *fakeSecretClient) callCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func writeFallback(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fallback: %v", err)
	}
	return path
}

func TestResolveCachesRemoteSecret(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	resource := "projects/orders-prod/secrets/stripe_api_key/versions/latest"
	client.values[resource] = "sk_live"

	fetcher, err := NewFetcher(ctx, WithClient(client), WithProject("orders-prod"), WithFallbackFile(""))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	for i := 0; i < 2; i++ {
		got, err := fetcher.Resolve(ctx, "secret://stripe_api_key")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if got != "sk_live" {
			t.Fatalf("expected sk_live, got %q", got)
		}
	}
	if calls := client.callCount(resource); calls != 1 {
		t.Fatalf("expected one remote call, got %d", calls)
	}
}

func TestResolveHonoursVersionAndProject(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values["projects/shared/secrets/wallet_api_key/versions/3"] = "v3"

	fetcher, err := NewFetcher(ctx, WithClient(client), WithProject("orders-prod"), WithFallbackFile(""))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	got, err := fetcher.Resolve(ctx, "secret://wallet_api_key?version=3&project=shared")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "v3" {
		t.Fatalf("expected v3, got %q", got)
	}
}

func TestResolveFallsBackWhenRemoteDenied(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.errors["projects/orders-dev/secrets/stripe_webhook_secret/versions/latest"] = status.Error(codes.PermissionDenied, "denied")
	path := writeFallback(t, "# local\nsecret://stripe_webhook_secret=whsec_local\n")

	fetcher, err := NewFetcher(ctx, WithClient(client), WithProject("orders-dev"), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	got, err := fetcher.Resolve(ctx, "secret://stripe_webhook_secret")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "whsec_local" {
		t.Fatalf("expected fallback value, got %q", got)
	}
}

func TestResolveWithoutProjectUsesFallbackOnly(t *testing.T) {
	path := writeFallback(t, "wallet_api_key=local-wallet\n")
	fetcher, err := NewFetcher(context.Background(), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	got, err := fetcher.Resolve(context.Background(), "secret://wallet_api_key")
	if err != nil || got != "local-wallet" {
		t.Fatalf("expected local-wallet, got %q err=%v", got, err)
	}
	if _, err := fetcher.Resolve(context.Background(), "secret://missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveSurfacesNonFallbackErrors(t *testing.T) {
	client := newFakeSecretClient()
	client.errors["projects/p/secrets/key/versions/latest"] = status.Error(codes.Internal, "boom")
	path := writeFallback(t, "key=ignored\n")

	fetcher, err := NewFetcher(context.Background(), WithClient(client), WithProject("p"), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	if _, err := fetcher.Resolve(context.Background(), "secret://key"); err == nil {
		t.Fatalf("expected internal error to surface")
	}
}

func TestParseReferenceRejectsInvalid(t *testing.T) {
	for _, ref := range []string{"", "https://example.com/key", "secret://"} {
		if _, err := parseReference(ref); err == nil {
			t.Errorf("expected %q to be rejected", ref)
		}
	}
	if !IsReference(" secret://a") || IsReference("plain") {
		t.Fatalf("IsReference mismatch")
	}
}
