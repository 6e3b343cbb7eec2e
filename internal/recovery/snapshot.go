package recovery

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hooksmith/hooksmith/internal/domain"
)

// snapshotVersion is written into every snapshot for forward compatibility.
const snapshotVersion = "1.0"

// Record is the legacy-shaped subscription representation used by snapshot
// files, exports and the pre-durable-store cache. Field names match what
// earlier deployments wrote so their files stay importable.
type Record struct {
	ID         string    `json:"id"`
	Model      string    `json:"model"`
	Events     []string  `json:"events"`
	WebhookURL string    `json:"webhook_url"`
	Properties []string  `json:"properties,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Metadata describes a snapshot file.
type Metadata struct {
	CreatedAt          time.Time `json:"created_at"`
	Version            string    `json:"version"`
	TotalSubscriptions int       `json:"total_subscriptions"`
	Name               string    `json:"name"`
}

// Snapshot is the on-disk backup format. Snapshots are write-once.
type Snapshot struct {
	Metadata      Metadata `json:"metadata"`
	Subscriptions []Record `json:"subscriptions"`
}

func toRecord(sub *domain.Subscription) Record {
	return Record{
		ID:         sub.ID,
		Model:      sub.TargetClass,
		Events:     sub.Events,
		WebhookURL: sub.EndpointURL,
		Properties: sub.WatchedProperties,
		Active:     sub.IsActive(),
		CreatedAt:  sub.CreatedAt,
		UpdatedAt:  sub.UpdatedAt,
	}
}

// toSubscription maps a legacy record onto the current entity. Legacy files
// predate event subscriptions, so everything lands in the model namespace.
func toSubscription(rec Record) domain.Subscription {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := domain.StatusInactive
	if rec.Active {
		status = domain.StatusActive
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	return domain.Subscription{
		ID:                id,
		TargetClass:       rec.Model,
		Events:            rec.Events,
		EndpointURL:       rec.WebhookURL,
		Kind:              domain.KindModel,
		WatchedProperties: rec.Properties,
		Status:            status,
		CreatedAt:         createdAt,
		UpdatedAt:         updatedAt,
	}
}

// validateRecord applies the structural checks used by import when
// validation is requested.
func validateRecord(rec Record) error {
	if rec.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(rec.Events) == 0 {
		return fmt.Errorf("events must not be empty")
	}
	if !domain.ValidEndpointURL(rec.WebhookURL) {
		return fmt.Errorf("webhook_url %q is not a valid URL", rec.WebhookURL)
	}
	return nil
}

var csvHeader = []string{"id", "model", "events", "webhook_url", "properties", "active", "created_at", "updated_at"}

// writeCSV emits one row per record; events are semicolon-joined and
// properties JSON-encoded into a single cell.
func writeCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, rec := range records {
		props := ""
		if len(rec.Properties) > 0 {
			encoded, err := json.Marshal(rec.Properties)
			if err != nil {
				return fmt.Errorf("encoding properties for %s: %w", rec.ID, err)
			}
			props = string(encoded)
		}
		row := []string{
			rec.ID,
			rec.Model,
			strings.Join(rec.Events, ";"),
			rec.WebhookURL,
			props,
			strconv.FormatBool(rec.Active),
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func readCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("csv file is empty")
	}

	col := map[string]int{}
	for i, name := range rows[0] {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"model", "events", "webhook_url"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("csv is missing required column %q", required)
		}
	}

	cell := func(row []string, name string) string {
		idx, ok := col[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return row[idx]
	}

	var records []Record
	for _, row := range rows[1:] {
		rec := Record{
			ID:         cell(row, "id"),
			Model:      cell(row, "model"),
			WebhookURL: cell(row, "webhook_url"),
		}
		if events := cell(row, "events"); events != "" {
			rec.Events = strings.Split(events, ";")
		}
		if props := cell(row, "properties"); props != "" {
			if err := json.Unmarshal([]byte(props), &rec.Properties); err != nil {
				return nil, fmt.Errorf("parsing properties cell %q: %w", props, err)
			}
		}
		rec.Active, _ = strconv.ParseBool(cell(row, "active"))
		if ts := cell(row, "created_at"); ts != "" {
			rec.CreatedAt, _ = time.Parse(time.RFC3339, ts)
		}
		if ts := cell(row, "updated_at"); ts != "" {
			rec.UpdatedAt, _ = time.Parse(time.RFC3339, ts)
		}
		records = append(records, rec)
	}
	return records, nil
}
