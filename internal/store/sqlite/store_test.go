package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tetherdev/tether/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "tether.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDeviceRegistrationLifecycle(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	d, err := store.RegisterDevice(ctx, DeviceHello{ID: "dev-1", Hostname: "pi", Platform: "linux/arm64", CredentialHash: "h1"})
	if err != nil {
		t.Fatal(err)
	}
	if d.State != domain.DeviceStatePending {
		t.Fatalf("expected pending, got %s", d.State)
	}

	if _, err := store.RegisterDevice(ctx, DeviceHello{ID: "dev-1", CredentialHash: "other"}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected credential mismatch to be unauthorized, got %v", err)
	}

	if err := store.ApproveDevice(ctx, "dev-1"); err != nil {
		t.Fatal(err)
	}
	d, err = store.RegisterDevice(ctx, DeviceHello{ID: "dev-1", Hostname: "pi-renamed", Platform: "linux/arm64", CredentialHash: "h1"})
	if err != nil {
		t.Fatal(err)
	}
	if d.State != domain.DeviceStateApproved || d.Hostname != "pi-renamed" {
		t.Fatalf("unexpected device %+v", d)
	}
	got, err := store.GetDevice(ctx, "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ApprovedAt == nil {
		t.Fatal("expected approved_at to be set")
	}

	if err := store.RevokeDevice(ctx, "dev-1"); err != nil {
		t.Fatal(err)
	}
	if err := store.ApproveDevice(ctx, "dev-1"); err == nil {
		t.Fatal("revoked devices must not be re-approved")
	}
}

func TestDeviceNotFound(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.GetDevice(ctx, "missing"); !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.RevokeDevice(ctx, "missing"); !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListDevicesOrdered(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := store.RegisterDevice(ctx, DeviceHello{ID: id, CredentialHash: "h"}); err != nil {
			t.Fatal(err)
		}
	}
	devices, err := store.ListDevices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 3 || devices[0].ID != "a" {
		t.Fatalf("unexpected devices %+v", devices)
	}
}

func TestAPIKeyResolveAndRevoke(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	k, err := store.CreateAPIKey(ctx, "ops", "hash", domain.RoleOperator)
	if err != nil {
		t.Fatal(err)
	}
	got, err := store.ResolveAPIKey(ctx, "hash")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != k.ID || got.Role != domain.RoleOperator {
		t.Fatalf("unexpected key %+v", got)
	}
	if err := store.RevokeAPIKey(ctx, k.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ResolveAPIKey(ctx, "hash"); err == nil {
		t.Fatal("revoked key must not resolve")
	}
	if _, err := store.CreateAPIKey(ctx, "bad", "h2", "root"); err == nil {
		t.Fatal("expected unknown role to fail")
	}
}

func TestServerPepperIsSticky(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	p, err := store.ResolveServerPepper(ctx, "pepper")
	if err != nil || p != "pepper" {
		t.Fatalf("got %q, %v", p, err)
	}
	if _, err := store.ResolveServerPepper(ctx, "other"); err == nil {
		t.Fatal("expected mismatch error")
	}
	if p, err := store.ResolveServerPepper(ctx, ""); err != nil || p != "pepper" {
		t.Fatalf("got %q, %v", p, err)
	}
}

func TestSessionLog(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.StartSession(ctx, domain.SessionRecord{DeviceID: "dev", APIKeyID: "k", Type: "exec", Detail: "uptime"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.EndSession(ctx, id, domain.SessionOutcomeClosed, ""); err != nil {
		t.Fatal(err)
	}
	recs, err := store.ListSessions(ctx, "dev", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Outcome != domain.SessionOutcomeClosed || recs[0].EndedAt == nil {
		t.Fatalf("unexpected records %+v", recs)
	}
	if _, err := store.StartSession(ctx, domain.SessionRecord{DeviceID: "other", APIKeyID: "k", Type: "metrics"}); err != nil {
		t.Fatal(err)
	}
	if all, err := store.ListSessions(ctx, "", 10); err != nil || len(all) != 2 {
		t.Fatalf("all devices: %d records, %v", len(all), err)
	}
	// Only finished records are purged.
	n, err := store.PurgeSessionLog(ctx, time.Now().Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("purged %d, %v", n, err)
	}
}

func TestTouchDeviceThrottled(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	now := time.Now()
	if !store.reserveDeviceTouch("dev", now) {
		t.Fatal("first touch must be reserved")
	}
	if store.reserveDeviceTouch("dev", now.Add(time.Second)) {
		t.Fatal("second touch within interval must be skipped")
	}
	if !store.reserveDeviceTouch("dev", now.Add(store.touchMinInterval+time.Second)) {
		t.Fatal("touch after interval must be reserved")
	}
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	t.Parallel()
	dbPath := filepath.Join(t.TempDir(), "nested", "path", "tether.db")

	store, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected db file to exist at %s: %v", dbPath, err)
	}
}
