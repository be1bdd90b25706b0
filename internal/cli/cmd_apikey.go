package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/tetherdev/tether/internal/auth"
	"github.com/tetherdev/tether/internal/domain"
	"github.com/tetherdev/tether/internal/store/sqlite"
)

func runAPIKeyAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: tether apikey <create|list|revoke> [flags]")
		return 2
	}
	switch args[0] {
	case "create":
		return runAPIKeyCreate(ctx, args[1:])
	case "list":
		return runAPIKeyList(ctx, args[1:])
	case "revoke":
		return runAPIKeyRevoke(ctx, args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown apikey command:", args[0])
		return 2
	}
}

func runAPIKeyCreate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("apikey-create", flag.ContinueOnError)
	var dbPath, name, role, pepper string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&name, "name", "default", "key label")
	fs.StringVar(&role, "role", domain.RoleOperator, "key role: admin|operator|viewer")
	fs.StringVar(&pepper, "api-key-pepper", envOr("TETHER_API_KEY_PEPPER", ""), "hash pepper override")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if !domain.ValidRole(role) {
		fmt.Fprintln(os.Stderr, "apikey create error: role must be admin, operator or viewer")
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	if err := createAPIKey(ctx, store, os.Stdout, name, role, pepper); err != nil {
		fmt.Fprintln(os.Stderr, "apikey create error:", err)
		return 1
	}
	return 0
}

func createAPIKey(ctx context.Context, store *sqlite.Store, out io.Writer, name, role, pepper string) error {
	resolvedPepper, err := resolveServerPepper(ctx, store, pepper)
	if err != nil {
		return err
	}
	plain, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	rec, err := store.CreateAPIKey(ctx, name, auth.HashAPIKey(plain, resolvedPepper), role)
	if err != nil {
		return fmt.Errorf("create key: %w", err)
	}
	fmt.Fprintln(out, "id:", rec.ID)
	fmt.Fprintln(out, "name:", rec.Name)
	fmt.Fprintln(out, "role:", rec.Role)
	fmt.Fprintln(out, "api_key:", plain)
	return nil
}

func runAPIKeyList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("apikey-list", flag.ContinueOnError)
	var dbPath string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list keys:", err)
		return 1
	}
	for _, k := range keys {
		revoked := "false"
		if k.RevokedAt != nil {
			revoked = "true"
		}
		fmt.Printf("%s\t%s\t%s\trevoked=%s\tcreated=%s\n", k.ID, k.Name, k.Role, revoked, k.CreatedAt.Format("2006-01-02T15:04:05Z"))
	}
	return 0
}

func runAPIKeyRevoke(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("apikey-revoke", flag.ContinueOnError)
	var dbPath, id string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&id, "id", "", "key id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "missing --id")
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	if err := store.RevokeAPIKey(ctx, id); err != nil {
		fmt.Fprintln(os.Stderr, "revoke key:", err)
		return 1
	}
	fmt.Println("revoked:", id)
	return 0
}

func runSessions(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	var dbPath, device string
	var limit int
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&device, "device", "", "only sessions on this device")
	fs.IntVar(&limit, "limit", 50, "maximum records to print")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	recs, err := store.ListSessions(ctx, strings.TrimSpace(device), limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list sessions:", err)
		return 1
	}
	writeSessions(os.Stdout, recs)
	return 0
}

func writeSessions(w io.Writer, recs []domain.SessionRecord) {
	for _, r := range recs {
		ended := "-"
		if r.EndedAt != nil {
			ended = r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		outcome := r.Outcome
		if outcome == "" {
			outcome = "active"
		}
		if r.Code != "" {
			outcome += "/" + r.Code
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Format("2006-01-02T15:04:05Z"), r.DeviceID, r.APIKeyID, r.Type, outcome, ended, r.Detail)
	}
}
