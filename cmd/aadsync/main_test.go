package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/unicef/INVENT/internal/aadsync"
	"github.com/unicef/INVENT/internal/directory"
	"github.com/unicef/INVENT/internal/httpapi"
	"github.com/unicef/INVENT/internal/jobqueue"
	"github.com/unicef/INVENT/internal/userstore"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp(&out)
	err := app.Run(append([]string{"aadsync"}, args...))
	return out.String(), err
}

func seedStore(t *testing.T, path string, seed func(ctx context.Context, store userstore.Store)) {
	t.Helper()
	store, err := userstore.NewFileStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	seed(context.Background(), store)
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
}

func TestStatusWithoutCursor(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "store.json")
	out, err := runApp(t, "--store-dsn", storePath, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "cursor: none") || !strings.Contains(out, "runs: none") {
		t.Fatalf("unexpected status output:\n%s", out)
	}
}

func TestStatusRendersJSON(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "store.json")
	seedStore(t, storePath, func(ctx context.Context, store userstore.Store) {
		if err := store.SaveCursor(ctx, userstore.CursorKindDelta, "https://graph.example/delta?token=1"); err != nil {
			t.Fatalf("save cursor: %v", err)
		}
		if err := store.RecordRun(ctx, userstore.RunRecord{RunID: "run_1", Trigger: aadsync.TriggerCLI, StopReason: "completed", Created: 2}); err != nil {
			t.Fatalf("record run: %v", err)
		}
	})

	out, err := runApp(t, "--store-dsn", storePath, "status", "-o", "json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var view statusView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if view.Cursor == nil || view.Cursor.Kind != userstore.CursorKindDelta {
		t.Fatalf("expected delta cursor, got %+v", view.Cursor)
	}
	if len(view.Runs) != 1 || view.Runs[0].RunID != "run_1" || view.Runs[0].Created != 2 {
		t.Fatalf("unexpected runs: %+v", view.Runs)
	}
}

func TestStatusRendersYAML(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "store.json")
	out, err := runApp(t, "--store-dsn", storePath, "status", "--output", "yaml")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "cursor: null") {
		t.Fatalf("expected yaml output, got:\n%s", out)
	}
}

func TestStatusRejectsUnknownFormat(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "store.json")
	if _, err := runApp(t, "--store-dsn", storePath, "status", "-o", "xml"); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestResetCursorClearsStoredCursor(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "store.json")
	seedStore(t, storePath, func(ctx context.Context, store userstore.Store) {
		if err := store.SaveCursor(ctx, userstore.CursorKindNext, "https://graph.example/next"); err != nil {
			t.Fatalf("save cursor: %v", err)
		}
	})

	out, err := runApp(t, "--store-dsn", storePath, "reset-cursor")
	if err != nil {
		t.Fatalf("reset-cursor: %v", err)
	}
	if !strings.Contains(out, "cursor cleared") {
		t.Fatalf("unexpected output: %q", out)
	}
	seedStore(t, storePath, func(ctx context.Context, store userstore.Store) {
		_, ok, err := store.LatestCursor(ctx)
		if err != nil {
			t.Fatalf("latest cursor: %v", err)
		}
		if ok {
			t.Fatalf("expected cursor to be cleared")
		}
	})
}

func TestCountriesImport(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "store.json")
	listPath := filepath.Join(dir, "countries.yaml")
	list := "- name: Kenya\n  code: KE\n- name: \"  \"\n- name: Uganda\n  code: UG\n"
	if err := os.WriteFile(listPath, []byte(list), 0o600); err != nil {
		t.Fatalf("write list: %v", err)
	}

	out, err := runApp(t, "--store-dsn", storePath, "countries", "import", listPath)
	if err != nil {
		t.Fatalf("countries import: %v", err)
	}
	if !strings.Contains(out, "imported 2 countries") {
		t.Fatalf("unexpected output: %q", out)
	}
	seedStore(t, storePath, func(ctx context.Context, store userstore.Store) {
		country, err := store.CountryByName(ctx, "Kenya")
		if err != nil {
			t.Fatalf("country by name: %v", err)
		}
		if country.Code != "KE" {
			t.Fatalf("expected KE, got %+v", country)
		}
	})
}

func TestCountriesImportNeedsFile(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "store.json")
	if _, err := runApp(t, "--store-dsn", storePath, "countries", "import"); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestReadCountriesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "countries.json")
	if err := os.WriteFile(path, []byte(`[{"name":" Chad ","code":"TD"},{"name":""}]`), 0o600); err != nil {
		t.Fatalf("write list: %v", err)
	}
	countries, err := readCountries(path)
	if err != nil {
		t.Fatalf("read countries: %v", err)
	}
	if len(countries) != 1 || countries[0].Name != "Chad" || countries[0].Code != "TD" {
		t.Fatalf("unexpected countries: %+v", countries)
	}
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	const secret = "test-secret-0123456789"
	t.Setenv("AADSYNC_AUTH__JWT_SECRET", secret)
	storePath := filepath.Join(t.TempDir(), "store.json")

	out, err := runApp(t, "--store-dsn", storePath, "token", "--subject", "ops", "--scope", httpapi.ScopeRead, "--ttl", "5m")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(strings.TrimSpace(out), claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithAudience(httpapi.Audience), jwt.WithExpirationRequired())
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if sub, _ := claims.GetSubject(); sub != "ops" {
		t.Fatalf("expected subject ops, got %q", sub)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		t.Fatalf("expected expiry, got %v (%v)", exp, err)
	}
	if ttl := time.Until(exp.Time); ttl > 5*time.Minute || ttl < 4*time.Minute {
		t.Fatalf("unexpected ttl %s", ttl)
	}
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	t.Setenv("AADSYNC_AUTH__JWT_SECRET", "short")
	storePath := filepath.Join(t.TempDir(), "store.json")
	if _, err := runApp(t, "--store-dsn", storePath, "token", "--subject", "ops"); err == nil {
		t.Fatalf("expected weak secret to be rejected")
	}
}

func TestSyncRequiresDirectoryCredentials(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "store.json")
	if _, err := runApp(t, "--store-dsn", storePath, "sync"); err == nil {
		t.Fatalf("expected missing azure credentials error")
	}
}

type emptyDirectory struct{}

func (emptyDirectory) FetchPage(context.Context, string) (directory.Page, error) {
	return directory.Page{DeltaLink: "https://graph.example/delta?token=done"}, nil
}

func newTestSyncer(t *testing.T, store userstore.Store) *aadsync.Syncer {
	t.Helper()
	syncer, err := aadsync.NewSyncer(emptyDirectory{}, directory.StaticTokenProvider("tok"), store, aadsync.Options{})
	if err != nil {
		t.Fatalf("new syncer: %v", err)
	}
	return syncer
}

func TestSyncHandlerRunsJob(t *testing.T) {
	store := userstore.NewMemoryStore()
	handler := syncHandler(newTestSyncer(t, store), nil)

	job := jobqueue.NewJob(0, aadsync.TriggerSchedule)
	if err := handler(context.Background(), job); err != nil {
		t.Fatalf("handler: %v", err)
	}
	runs, err := store.ListRuns(context.Background(), 1)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != job.ID || runs[0].Trigger != aadsync.TriggerSchedule {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestSyncHandlerDropsJobWhileLocked(t *testing.T) {
	store := userstore.NewMemoryStore()
	release, err := store.Lock(context.Background())
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer release()

	handler := syncHandler(newTestSyncer(t, store), nil)
	err = handler(context.Background(), jobqueue.NewJob(0, aadsync.TriggerManual))
	if !errors.Is(err, jobqueue.ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
