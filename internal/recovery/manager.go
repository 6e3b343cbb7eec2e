// Package recovery handles subscription state durability beyond the live
// table: timestamped backup snapshots, filtered exports, imports from
// foreign files, and the one-time migration away from the legacy
// cache-resident subscription store.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hooksmith/hooksmith/internal/domain"
	"github.com/hooksmith/hooksmith/internal/store"
)

// Store is the slice of the subscription store the manager consumes.
type Store interface {
	ListSubscriptions(ctx context.Context, f store.ListFilter) ([]domain.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	FindByEndpoint(ctx context.Context, endpointURL, kind string) (*domain.Subscription, error)
	InsertRecord(ctx context.Context, sub domain.Subscription) error
	ReplaceAll(ctx context.Context, subs []domain.Subscription) error
	CountAll(ctx context.Context) (int, error)
}

// LegacyCache is the transient cache the pre-durable deployment kept
// subscriptions in. Implemented by store.RedisStore.
type LegacyCache interface {
	LegacyCache(ctx context.Context) (string, error)
	ClearLegacyCache(ctx context.Context) error
}

// Manager creates and consumes subscription snapshots.
type Manager struct {
	store     Store
	cache     LegacyCache
	backupDir string
	logger    *slog.Logger
	now       func() time.Time
}

func NewManager(s Store, cache LegacyCache, backupDir string, logger *slog.Logger) *Manager {
	return &Manager{
		store:     s,
		cache:     cache,
		backupDir: backupDir,
		logger:    logger,
		now:       time.Now,
	}
}

// Backup snapshots every non-deleted subscription to a timestamped JSON
// file and returns its path. Snapshots are immutable once written.
func (m *Manager) Backup(ctx context.Context, name string) (string, error) {
	if name == "" {
		name = "auto"
	}

	subs, err := m.store.ListSubscriptions(ctx, store.ListFilter{})
	if err != nil {
		return "", fmt.Errorf("listing subscriptions: %w", err)
	}

	records := make([]Record, 0, len(subs))
	for i := range subs {
		records = append(records, toRecord(&subs[i]))
	}

	snap := Snapshot{
		Metadata: Metadata{
			CreatedAt:          m.now(),
			Version:            snapshotVersion,
			TotalSubscriptions: len(records),
			Name:               name,
		},
		Subscriptions: records,
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding snapshot: %w", err)
	}

	if err := os.MkdirAll(m.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}

	filename := fmt.Sprintf("backup_%s_%s.json", sanitizeName(name), m.now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(m.backupDir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing snapshot: %w", err)
	}

	m.logger.Info("backup created", "path", path, "subscriptions", len(records))
	return path, nil
}

// RestoreResult reports the outcome of a restore or import batch.
type RestoreResult struct {
	Restored int      `json:"restored"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors"`
}

// Restore loads a snapshot back into the store. A structural failure (bad
// file, bad JSON) aborts before any write. With replace set, the whole
// table is swapped transactionally; otherwise records whose id or endpoint
// already exist are skipped and per-record failures are collected without
// failing the batch.
func (m *Manager) Restore(ctx context.Context, path string, replace bool) (*RestoreResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}

	result := &RestoreResult{Errors: []string{}}

	if replace {
		subs := make([]domain.Subscription, 0, len(snap.Subscriptions))
		for _, rec := range snap.Subscriptions {
			if err := validateRecord(rec); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("record %s: %v", rec.ID, err))
				continue
			}
			subs = append(subs, toSubscription(rec))
		}
		if err := m.store.ReplaceAll(ctx, subs); err != nil {
			return nil, fmt.Errorf("replacing subscriptions: %w", err)
		}
		result.Restored = len(subs)
		m.logger.Info("restore complete", "path", path, "restored", result.Restored, "mode", "replace")
		return result, nil
	}

	for _, rec := range snap.Subscriptions {
		if err := validateRecord(rec); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record %s: %v", rec.ID, err))
			continue
		}

		if rec.ID != "" {
			existing, err := m.store.GetSubscription(ctx, rec.ID)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("record %s: %v", rec.ID, err))
				continue
			}
			if existing != nil {
				result.Skipped++
				continue
			}
		}

		sub := toSubscription(rec)
		if existing, err := m.store.FindByEndpoint(ctx, sub.EndpointURL, sub.Kind); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record %s: %v", rec.ID, err))
			continue
		} else if existing != nil {
			result.Skipped++
			continue
		}

		if err := m.store.InsertRecord(ctx, sub); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record %s: %v", rec.ID, err))
			continue
		}
		result.Restored++
	}

	m.logger.Info("restore complete", "path", path,
		"restored", result.Restored, "skipped", result.Skipped, "errors", len(result.Errors))
	return result, nil
}

// ExportFilter narrows which subscriptions an export includes.
type ExportFilter struct {
	ActiveOnly   bool
	TargetClass  string
	HasErrors    bool
	CreatedAfter *time.Time
}

// Export writes a filtered projection of subscriptions as JSON or CSV and
// returns the file path.
func (m *Manager) Export(ctx context.Context, filter ExportFilter, format string) (string, error) {
	switch format {
	case "", "json":
		format = "json"
	case "csv":
	default:
		return "", fmt.Errorf("unsupported export format %q", format)
	}

	lf := store.ListFilter{
		TargetClass:  filter.TargetClass,
		HasErrors:    filter.HasErrors,
		CreatedAfter: filter.CreatedAfter,
	}
	if filter.ActiveOnly {
		lf.Status = domain.StatusActive
	}

	subs, err := m.store.ListSubscriptions(ctx, lf)
	if err != nil {
		return "", fmt.Errorf("listing subscriptions: %w", err)
	}

	records := make([]Record, 0, len(subs))
	for i := range subs {
		records = append(records, toRecord(&subs[i]))
	}

	if err := os.MkdirAll(m.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}

	path := filepath.Join(m.backupDir,
		fmt.Sprintf("export_%s.%s", m.now().UTC().Format("20060102T150405Z"), format))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating export file: %w", err)
	}
	defer f.Close()

	if format == "csv" {
		if err := writeCSV(f, records); err != nil {
			return "", err
		}
	} else {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		if err := enc.Encode(records); err != nil {
			return "", fmt.Errorf("encoding export: %w", err)
		}
	}

	m.logger.Info("export written", "path", path, "format", format, "subscriptions", len(records))
	return path, nil
}

// ImportOptions control import behavior.
type ImportOptions struct {
	SkipExisting bool
	Validate     bool
}

// Import loads subscriptions from an arbitrary JSON or CSV file — not
// necessarily one this system produced. JSON may be a bare record array or
// a full snapshot object. Structural parse failure aborts before writes.
func (m *Manager) Import(ctx context.Context, path string, opts ImportOptions) (*RestoreResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading import file: %w", err)
	}

	var records []Record
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		records, err = readCSV(strings.NewReader(string(data)))
		if err != nil {
			return nil, err
		}
	} else {
		if err := json.Unmarshal(data, &records); err != nil {
			var snap Snapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return nil, fmt.Errorf("parsing import file: %w", err)
			}
			records = snap.Subscriptions
		}
	}

	result := &RestoreResult{Errors: []string{}}
	for _, rec := range records {
		if opts.Validate {
			if err := validateRecord(rec); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("record %s: %v", recName(rec), err))
				continue
			}
		}

		sub := toSubscription(rec)
		if opts.SkipExisting {
			existing, err := m.store.FindByEndpoint(ctx, sub.EndpointURL, sub.Kind)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("record %s: %v", recName(rec), err))
				continue
			}
			if existing != nil {
				result.Skipped++
				continue
			}
		}

		if err := m.store.InsertRecord(ctx, sub); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record %s: %v", recName(rec), err))
			continue
		}
		result.Restored++
	}

	m.logger.Info("import complete", "path", path,
		"imported", result.Restored, "skipped", result.Skipped, "errors", len(result.Errors))
	return result, nil
}

// MigrateLegacyCache drains the cache-resident subscription list into the
// durable store, inserting only endpoints not already present, then clears
// the cache key. Idempotent: a missing or empty key is a no-op.
func (m *Manager) MigrateLegacyCache(ctx context.Context) (int, error) {
	raw, err := m.cache.LegacyCache(ctx)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}

	var records []Record
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return 0, fmt.Errorf("parsing legacy cache: %w", err)
	}

	migrated := 0
	for _, rec := range records {
		if err := validateRecord(rec); err != nil {
			m.logger.Warn("skipping invalid legacy record", "record", recName(rec), "error", err)
			continue
		}
		sub := toSubscription(rec)

		existing, err := m.store.FindByEndpoint(ctx, sub.EndpointURL, sub.Kind)
		if err != nil {
			return migrated, fmt.Errorf("checking endpoint %s: %w", sub.EndpointURL, err)
		}
		if existing != nil {
			continue
		}

		if err := m.store.InsertRecord(ctx, sub); err != nil {
			return migrated, fmt.Errorf("inserting legacy subscription: %w", err)
		}
		migrated++
	}

	if err := m.cache.ClearLegacyCache(ctx); err != nil {
		return migrated, err
	}

	m.logger.Info("legacy cache migrated", "migrated", migrated, "total", len(records))
	return migrated, nil
}

// AutoRecoverResult summarizes an automatic recovery attempt.
type AutoRecoverResult struct {
	RecoveredFromCache  int      `json:"recovered_from_cache"`
	RecoveredFromBackup int      `json:"recovered_from_backup"`
	TotalRecovered      int      `json:"total_recovered"`
	Errors              []string `json:"errors"`
}

// AutoRecover tries the legacy cache first and, if that yields nothing,
// falls back to restoring the most recent backup without replacing
// existing rows. It never destroys current state.
func (m *Manager) AutoRecover(ctx context.Context) (*AutoRecoverResult, error) {
	result := &AutoRecoverResult{Errors: []string{}}

	migrated, err := m.MigrateLegacyCache(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("cache migration: %v", err))
	}
	result.RecoveredFromCache = migrated

	if migrated == 0 {
		backups, err := m.ListBackups()
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("listing backups: %v", err))
		} else if len(backups) > 0 {
			res, err := m.Restore(ctx, backups[0].Path, false)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("restoring %s: %v", backups[0].Path, err))
			} else {
				result.RecoveredFromBackup = res.Restored
				result.Errors = append(result.Errors, res.Errors...)
			}
		}
	}

	result.TotalRecovered = result.RecoveredFromCache + result.RecoveredFromBackup
	m.logger.Info("auto-recover finished",
		"from_cache", result.RecoveredFromCache,
		"from_backup", result.RecoveredFromBackup,
		"errors", len(result.Errors),
	)
	return result, nil
}

// BackupInfo describes one snapshot on disk.
type BackupInfo struct {
	Path              string    `json:"path"`
	CreatedAt         time.Time `json:"created_at"`
	Size              int64     `json:"size"`
	SubscriptionCount int       `json:"subscription_count"`
}

// ListBackups returns all snapshots, newest first.
func (m *Manager) ListBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(m.backupDir)
	if os.IsNotExist(err) {
		return []BackupInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	backups := []BackupInfo{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "backup_") || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(m.backupDir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			continue
		}

		bi := BackupInfo{Path: path, Size: info.Size()}
		if data, err := os.ReadFile(path); err == nil {
			var snap Snapshot
			if json.Unmarshal(data, &snap) == nil {
				bi.CreatedAt = snap.Metadata.CreatedAt
				bi.SubscriptionCount = snap.Metadata.TotalSubscriptions
			}
		}
		if bi.CreatedAt.IsZero() {
			bi.CreatedAt = info.ModTime()
		}
		backups = append(backups, bi)
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// CleanupOldBackups deletes snapshots older than keepDays and returns the
// number removed.
func (m *Manager) CleanupOldBackups(keepDays int) (int, error) {
	backups, err := m.ListBackups()
	if err != nil {
		return 0, err
	}

	cutoff := m.now().AddDate(0, 0, -keepDays)
	deleted := 0
	for _, b := range backups {
		if b.CreatedAt.After(cutoff) {
			continue
		}
		if err := os.Remove(b.Path); err != nil {
			m.logger.Warn("failed to delete old backup", "path", b.Path, "error", err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		m.logger.Info("old backups removed", "deleted", deleted, "keep_days", keepDays)
	}
	return deleted, nil
}

func recName(rec Record) string {
	if rec.ID != "" {
		return rec.ID
	}
	return rec.WebhookURL
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}
