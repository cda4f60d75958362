package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Sync.MaxUsers)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Sync.BaseDelay)
	assert.Equal(t, []string{"unicef.org"}, cfg.Sync.AllowedDomains)
	assert.Equal(t, "00:00", cfg.Schedule.DailyAt)
	storeDSN, queueDSN, err := cfg.ResolveDSNs()
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.Join("data", "aadsync-store.json"), storeDSN)
	assert.Equal(t, "file://"+filepath.Join("data", "aadsync-queue.json"), queueDSN)
	assert.Equal(t, 30*time.Second, cfg.Graph.Timeout)
	assert.Equal(t, "https://graph.microsoft.com", cfg.Azure.Resource)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFileEnvAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aadsync.yaml")
	writeConfig(t, path, `
azure:
  tenant_id: tenant-from-file
  client_id: client-from-file
sync:
  max_users: 250
  allowed_domains:
    - unicef.org
    - example.org
queue:
  capacity: 4
`)
	t.Setenv("AADSYNC_AZURE__TENANT_ID", "tenant-from-env")
	t.Setenv("AADSYNC_SYNC__BASE_DELAY", "500ms")
	t.Setenv("AADSYNC_WORKER__COUNT", "3")

	cfg, err := NewLoader(
		WithFile(path),
		WithOverrides(map[string]any{"queue.capacity": 9}),
	).Load()
	require.NoError(t, err)

	assert.Equal(t, "tenant-from-env", cfg.Azure.TenantID)
	assert.Equal(t, "client-from-file", cfg.Azure.ClientID)
	assert.Equal(t, 250, cfg.Sync.MaxUsers)
	assert.Equal(t, []string{"unicef.org", "example.org"}, cfg.Sync.AllowedDomains)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.BaseDelay)
	assert.Equal(t, 3, cfg.Worker.Count)
	assert.Equal(t, 9, cfg.Queue.Capacity)
}

func TestLoadSplitsDomainListFromEnv(t *testing.T) {
	t.Setenv("AADSYNC_SYNC__ALLOWED_DOMAINS", "unicef.org, wfp.org")
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"unicef.org", "wfp.org"}, cfg.Sync.AllowedDomains)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aadsync.yaml")
	writeConfig(t, path, `
schedule:
  daily_at: "25:99"
  jitter: 2
log:
  format: xml
`)
	_, err := NewLoader(WithFile(path)).Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), "schedule.daily_at")
	assert.Contains(t, err.Error(), "schedule.jitter")
	assert.Contains(t, err.Error(), "log.format")
}

func TestResolveDSNsByProfile(t *testing.T) {
	cases := []struct {
		name      string
		backend   BackendConfig
		storeDSN  string
		queueDSN  string
		wantStore string
		wantQueue string
		wantErr   bool
	}{
		{name: "memory", backend: BackendConfig{Profile: "memory"}, wantStore: "memory://", wantQueue: "memory://"},
		{name: "sqlite", backend: BackendConfig{Profile: "sqlite", DataDir: "/var/lib/aadsync"}, wantStore: "sqlite:///var/lib/aadsync/aadsync.db", wantQueue: "file:///var/lib/aadsync/aadsync-queue.json"},
		{name: "production", backend: BackendConfig{Profile: "production", PostgresDSN: "postgres://db/invent"}, wantStore: "postgres://db/invent", wantQueue: "postgres://db/invent"},
		{name: "production without dsn", backend: BackendConfig{Profile: "prod"}, wantErr: true},
		{name: "explicit dsn wins", backend: BackendConfig{Profile: "memory"}, storeDSN: "sqlite://:memory:", wantStore: "sqlite://:memory:", wantQueue: "memory://"},
		{name: "custom needs store dsn", backend: BackendConfig{Profile: "custom"}, wantErr: true},
		{name: "custom defaults queue to memory", backend: BackendConfig{Profile: "custom"}, storeDSN: "memory://", wantStore: "memory://", wantQueue: "memory://"},
		{name: "unknown profile", backend: BackendConfig{Profile: "cloud"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{Backend: tc.backend, Store: StoreConfig{DSN: tc.storeDSN}, Queue: QueueConfig{DSN: tc.queueDSN}}
			storeDSN, queueDSN, err := cfg.ResolveDSNs()
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantStore, storeDSN)
			assert.Equal(t, tc.wantQueue, queueDSN)
		})
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := NewLoader(WithFile(filepath.Join(t.TempDir(), "missing.yaml"))).Load()
	require.Error(t, err)
}

func TestValidateDirectoryAndServe(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	err = cfg.ValidateDirectory()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "azure.client_id")

	cfg.Azure = AzureConfig{ClientID: "app", ClientSecret: "env://AAD_SECRET", TenantID: "tenant"}
	assert.NoError(t, cfg.ValidateDirectory())

	assert.ErrorIs(t, cfg.ValidateServe(), ErrInvalid)
	cfg.Auth.JWTSecret = "0123456789abcdef"
	assert.NoError(t, cfg.ValidateServe())
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aadsync.yaml")
	writeConfig(t, path, "sync:\n  max_users: 10\n")

	var mu sync.Mutex
	var seen []int
	changed := make(chan struct{}, 4)
	watcher, err := NewWatcher(NewLoader(WithFile(path)), func(cfg Config) {
		mu.Lock()
		seen = append(seen, cfg.Sync.MaxUsers)
		mu.Unlock()
		changed <- struct{}{}
	}, zap.NewNop())
	require.NoError(t, err)
	watcher.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, path, "sync:\n  max_users: 0\n  allowed_domains: [unicef.org]\n")

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatalf("config change was not observed")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, seen[len(seen)-1])
}

func TestNewWatcherRequiresFile(t *testing.T) {
	_, err := NewWatcher(NewLoader(), func(Config) {}, nil)
	assert.Error(t, err)
}
