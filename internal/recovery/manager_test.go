package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/hooksmith/hooksmith/internal/domain"
	"github.com/hooksmith/hooksmith/internal/store"
)

type memStore struct {
	mu   sync.Mutex
	subs map[string]domain.Subscription
}

func newMemStore() *memStore {
	return &memStore{subs: make(map[string]domain.Subscription)}
}

func (m *memStore) ListSubscriptions(_ context.Context, f store.ListFilter) ([]domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Subscription
	for _, sub := range m.subs {
		if sub.Status == domain.StatusDeleted && !f.IncludeDeleted {
			continue
		}
		if f.Status != "" && sub.Status != f.Status {
			continue
		}
		if f.TargetClass != "" && sub.TargetClass != f.TargetClass {
			continue
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) GetSubscription(_ context.Context, id string) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (m *memStore) FindByEndpoint(_ context.Context, endpointURL, kind string) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.EndpointURL == endpointURL && sub.Kind == kind && sub.Status != domain.StatusDeleted {
			return &sub, nil
		}
	}
	return nil, nil
}

func (m *memStore) InsertRecord(_ context.Context, sub domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.subs[sub.ID]; exists {
		return fmt.Errorf("duplicate id %s", sub.ID)
	}
	m.subs[sub.ID] = sub
	return nil
}

func (m *memStore) ReplaceAll(_ context.Context, subs []domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = make(map[string]domain.Subscription, len(subs))
	for _, sub := range subs {
		m.subs[sub.ID] = sub
	}
	return nil
}

func (m *memStore) CountAll(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sub := range m.subs {
		if sub.Status != domain.StatusDeleted {
			n++
		}
	}
	return n, nil
}

func setupManager(t *testing.T, ms *memStore) (*Manager, *store.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rs, err := store.NewRedis(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("connecting to miniredis: %v", err)
	}
	t.Cleanup(func() { rs.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewManager(ms, rs, t.TempDir(), logger), rs, mr
}

func seedSubscription(ms *memStore, id, targetClass, endpointURL string, events []string) {
	ms.subs[id] = domain.Subscription{
		ID:          id,
		TargetClass: targetClass,
		Events:      events,
		EndpointURL: endpointURL,
		Kind:        domain.KindModel,
		Status:      domain.StatusActive,
		CreatedAt:   time.Now().Add(-time.Hour),
		UpdatedAt:   time.Now(),
	}
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newMemStore()
	seedSubscription(src, "a1", "Order", "https://x/hook-1", []string{"created", "updated"})
	seedSubscription(src, "a2", "Customer", "https://x/hook-2", []string{"deleted"})

	mgr, _, _ := setupManager(t, src)

	path, err := mgr.Backup(ctx, "pre-deploy")
	if err != nil {
		t.Fatalf("backup failed: %v", err)
	}

	// Restore into an empty store and compare the semantic fields.
	dst := newMemStore()
	mgr2 := NewManager(dst, nil, t.TempDir(), testLogger())
	result, err := mgr2.Restore(ctx, path, false)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if result.Restored != 2 || result.Skipped != 0 || len(result.Errors) != 0 {
		t.Fatalf("result = %+v, want 2 restored", result)
	}

	for id, want := range src.subs {
		got, ok := dst.subs[id]
		if !ok {
			t.Fatalf("subscription %s missing after restore", id)
		}
		if got.TargetClass != want.TargetClass || got.EndpointURL != want.EndpointURL {
			t.Errorf("subscription %s = %+v, want %+v", id, got, want)
		}
		if len(got.Events) != len(want.Events) {
			t.Errorf("subscription %s events = %v, want %v", id, got.Events, want.Events)
		}
		if got.Status != domain.StatusActive {
			t.Errorf("subscription %s status = %s, want active", id, got.Status)
		}
	}
}

func TestRestore_SkipsExisting(t *testing.T) {
	ctx := context.Background()
	ms := newMemStore()
	seedSubscription(ms, "a1", "Order", "https://x/hook-1", []string{"created"})
	mgr, _, _ := setupManager(t, ms)

	path, err := mgr.Backup(ctx, "")
	if err != nil {
		t.Fatal(err)
	}

	result, err := mgr.Restore(ctx, path, false)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if result.Restored != 0 || result.Skipped != 1 {
		t.Errorf("result = %+v, want everything skipped", result)
	}
}

func TestRestore_ReplaceSwapsTable(t *testing.T) {
	ctx := context.Background()
	ms := newMemStore()
	seedSubscription(ms, "a1", "Order", "https://x/hook-1", []string{"created"})
	mgr, _, _ := setupManager(t, ms)

	path, err := mgr.Backup(ctx, "")
	if err != nil {
		t.Fatal(err)
	}

	// New rows created after the snapshot must disappear on replace.
	seedSubscription(ms, "later", "Order", "https://x/hook-later", []string{"created"})

	result, err := mgr.Restore(ctx, path, true)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if result.Restored != 1 {
		t.Errorf("restored = %d, want 1", result.Restored)
	}
	if _, exists := ms.subs["later"]; exists {
		t.Error("replace restore should have removed post-snapshot rows")
	}
}

func TestRestore_StructuralFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	ms := newMemStore()
	mgr, _, _ := setupManager(t, ms)

	path := filepath.Join(t.TempDir(), "broken.json")
	os.WriteFile(path, []byte(`{"metadata": {`), 0o644)

	if _, err := mgr.Restore(ctx, path, false); err == nil {
		t.Fatal("malformed snapshot should abort the restore")
	}
	if len(ms.subs) != 0 {
		t.Error("nothing should be written on structural failure")
	}

	if _, err := mgr.Restore(ctx, filepath.Join(t.TempDir(), "missing.json"), false); err == nil {
		t.Fatal("missing file should abort the restore")
	}
}

func TestExportImport_CSVRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newMemStore()
	seedSubscription(src, "a1", "Order", "https://x/hook-1", []string{"created", "updated"})
	sub := src.subs["a1"]
	sub.WatchedProperties = []string{"id", "total"}
	src.subs["a1"] = sub

	mgr, _, _ := setupManager(t, src)
	path, err := mgr.Export(ctx, ExportFilter{}, "csv")
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	dst := newMemStore()
	mgr2 := NewManager(dst, nil, t.TempDir(), testLogger())
	result, err := mgr2.Import(ctx, path, ImportOptions{Validate: true})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if result.Restored != 1 {
		t.Fatalf("result = %+v, want 1 imported", result)
	}

	got := dst.subs["a1"]
	if got.TargetClass != "Order" || got.EndpointURL != "https://x/hook-1" {
		t.Errorf("imported = %+v", got)
	}
	if len(got.Events) != 2 || got.Events[0] != "created" {
		t.Errorf("events = %v, want [created updated]", got.Events)
	}
	if len(got.WatchedProperties) != 2 {
		t.Errorf("watched properties = %v, want [id total]", got.WatchedProperties)
	}
}

func TestExport_FiltersActive(t *testing.T) {
	ctx := context.Background()
	ms := newMemStore()
	seedSubscription(ms, "a1", "Order", "https://x/hook-1", []string{"created"})
	seedSubscription(ms, "a2", "Order", "https://x/hook-2", []string{"created"})
	sub := ms.subs["a2"]
	sub.Status = domain.StatusInactive
	ms.subs["a2"] = sub

	mgr, _, _ := setupManager(t, ms)
	path, err := mgr.Export(ctx, ExportFilter{ActiveOnly: true}, "json")
	if err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(path)
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].ID != "a1" {
		t.Errorf("records = %+v, want only a1", records)
	}
}

func TestImport_ValidationCollectsErrors(t *testing.T) {
	ctx := context.Background()
	ms := newMemStore()
	mgr, _, _ := setupManager(t, ms)

	path := filepath.Join(t.TempDir(), "mixed.json")
	content := `[
		{"id": "ok", "model": "Order", "events": ["created"], "webhook_url": "https://x/hook", "active": true},
		{"id": "bad-url", "model": "Order", "events": ["created"], "webhook_url": "nope", "active": true},
		{"id": "no-events", "model": "Order", "events": [], "webhook_url": "https://x/hook-2", "active": true}
	]`
	os.WriteFile(path, []byte(content), 0o644)

	result, err := mgr.Import(ctx, path, ImportOptions{Validate: true})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if result.Restored != 1 {
		t.Errorf("imported = %d, want 1", result.Restored)
	}
	if len(result.Errors) != 2 {
		t.Errorf("errors = %v, want 2", result.Errors)
	}
}

func TestMigrateLegacyCache(t *testing.T) {
	ctx := context.Background()
	ms := newMemStore()
	seedSubscription(ms, "existing", "Order", "https://x/already-here", []string{"created"})
	mgr, rs, mr := setupManager(t, ms)

	legacy := `[
		{"id": "legacy-1", "model": "Order", "events": ["created"], "webhook_url": "https://x/legacy-1", "active": true},
		{"id": "legacy-2", "model": "Order", "events": ["created"], "webhook_url": "https://x/already-here", "active": true}
	]`
	mr.Set(store.LegacyCacheKey, legacy)

	migrated, err := mgr.MigrateLegacyCache(ctx)
	if err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	if migrated != 1 {
		t.Errorf("migrated = %d, want 1 (existing endpoint skipped)", migrated)
	}
	if _, ok := ms.subs["legacy-1"]; !ok {
		t.Error("legacy-1 should have been inserted")
	}

	if val, _ := rs.LegacyCache(ctx); val != "" {
		t.Error("legacy cache key should be cleared after migration")
	}

	// Idempotent: nothing left to do.
	migrated, err = mgr.MigrateLegacyCache(ctx)
	if err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
	if migrated != 0 {
		t.Errorf("second run migrated = %d, want 0", migrated)
	}
}

func TestAutoRecover_FallsBackToNewestBackup(t *testing.T) {
	ctx := context.Background()
	src := newMemStore()
	seedSubscription(src, "a1", "Order", "https://x/hook-1", []string{"created"})

	mgr, _, _ := setupManager(t, src)
	if _, err := mgr.Backup(ctx, "good"); err != nil {
		t.Fatal(err)
	}

	// Same backup dir, fresh empty store, empty cache.
	dst := newMemStore()
	mgr2 := NewManager(dst, mgr.cache, mgr.backupDir, testLogger())

	result, err := mgr2.AutoRecover(ctx)
	if err != nil {
		t.Fatalf("auto-recover failed: %v", err)
	}
	if result.RecoveredFromCache != 0 {
		t.Errorf("recovered from cache = %d, want 0", result.RecoveredFromCache)
	}
	if result.RecoveredFromBackup != 1 || result.TotalRecovered != 1 {
		t.Errorf("result = %+v, want 1 from backup", result)
	}
}

func TestListBackups_NewestFirst(t *testing.T) {
	ctx := context.Background()
	ms := newMemStore()
	mgr, _, _ := setupManager(t, ms)

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ts := base.AddDate(0, 0, i)
		mgr.now = func() time.Time { return ts }
		if _, err := mgr.Backup(ctx, fmt.Sprintf("b%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	backups, err := mgr.ListBackups()
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 3 {
		t.Fatalf("backups = %d, want 3", len(backups))
	}
	for i := 1; i < len(backups); i++ {
		if backups[i].CreatedAt.After(backups[i-1].CreatedAt) {
			t.Error("backups should be sorted newest first")
		}
	}
}

func TestCleanupOldBackups(t *testing.T) {
	ctx := context.Background()
	ms := newMemStore()
	mgr, _, _ := setupManager(t, ms)

	old := time.Now().AddDate(0, 0, -30)
	mgr.now = func() time.Time { return old }
	if _, err := mgr.Backup(ctx, "old"); err != nil {
		t.Fatal(err)
	}

	mgr.now = time.Now
	if _, err := mgr.Backup(ctx, "fresh"); err != nil {
		t.Fatal(err)
	}

	deleted, err := mgr.CleanupOldBackups(7)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	backups, _ := mgr.ListBackups()
	if len(backups) != 1 || backups[0].SubscriptionCount != 0 {
		t.Errorf("backups = %+v, want only the fresh one", backups)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}
