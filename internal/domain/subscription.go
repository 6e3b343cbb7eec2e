package domain

import (
	"net/url"
	"time"
)

// Subscription kinds. Model subscriptions watch domain-entity lifecycle
// changes; event subscriptions watch dispatched application events/jobs.
// The two kinds have disjoint event vocabularies and endpoint namespaces.
const (
	KindModel = "model"
	KindEvent = "event"
)

// Subscription statuses. A single enum instead of overlapping
// active/archived/deleted flags so no ambiguous combination can exist.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusArchived = "archived"
	StatusDeleted  = "deleted"
)

// Lifecycle event kinds for model subscriptions, plus the single synthetic
// kind used by event/job subscriptions.
var (
	ModelEvents = []string{"created", "updated", "deleted", "restored", "saving", "saved"}
	EventEvents = []string{"dispatched"}
)

// Subscription binds a watched target (entity class or event name) to a
// delivery endpoint. At most one non-deleted subscription exists per
// (endpoint_url, kind) pair.
type Subscription struct {
	ID                string         `json:"id"`
	TargetClass       string         `json:"target_class"`
	Events            []string       `json:"events"`
	EndpointURL       string         `json:"endpoint_url"`
	Kind              string         `json:"kind"`
	WatchedProperties []string       `json:"watched_properties,omitempty"`
	SecretKey         string         `json:"secret_key,omitempty"`
	VerifyHMAC        bool           `json:"verify_hmac"`
	RequireTimestamp  bool           `json:"require_timestamp"`
	SourceCIDR        *string        `json:"source_cidr,omitempty"`
	Status            string         `json:"status"`
	TriggerCount      int64          `json:"trigger_count"`
	LastTriggeredAt   *time.Time     `json:"last_triggered_at,omitempty"`
	LastError         *DeliveryError `json:"last_error,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	ArchivedAt        *time.Time     `json:"archived_at,omitempty"`
	DeletedAt         *time.Time     `json:"deleted_at,omitempty"`
}

// DeliveryError is the most recent failed delivery outcome, cleared on the
// next successful delivery.
type DeliveryError struct {
	Message    string    `json:"message"`
	Code       string    `json:"code"`
	OccurredAt time.Time `json:"occurred_at"`
}

// IsActive reports whether the subscription participates in delivery.
func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

// IsEventSubscription reports whether this watches dispatched events/jobs
// rather than model lifecycle changes.
func (s *Subscription) IsEventSubscription() bool {
	return s.Kind == KindEvent
}

// SubscribeRequest carries the fields of a subscribe (upsert) call.
type SubscribeRequest struct {
	TargetClass       string   `json:"target_class"`
	Events            []string `json:"events"`
	EndpointURL       string   `json:"endpoint_url"`
	Kind              string   `json:"kind"`
	WatchedProperties []string `json:"watched_properties,omitempty"`
	VerifyHMAC        bool     `json:"verify_hmac"`
	RequireTimestamp  bool     `json:"require_timestamp"`
	SourceCIDR        *string  `json:"source_cidr,omitempty"`
}

// Validate checks structural requirements and returns field-level problems.
func (r *SubscribeRequest) Validate() *ValidationError {
	fields := map[string]string{}
	if r.TargetClass == "" {
		fields["target_class"] = "target_class is required"
	}
	if len(r.Events) == 0 {
		fields["events"] = "at least one event is required"
	}
	if !ValidEndpointURL(r.EndpointURL) {
		fields["endpoint_url"] = "endpoint_url must be a valid http(s) URL"
	}
	if r.Kind != "" && r.Kind != KindModel && r.Kind != KindEvent {
		fields["kind"] = "kind must be model or event"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// UpdateRequest carries partial-update fields; nil means leave unchanged.
type UpdateRequest struct {
	TargetClass       *string   `json:"target_class,omitempty"`
	Events            *[]string `json:"events,omitempty"`
	EndpointURL       *string   `json:"endpoint_url,omitempty"`
	WatchedProperties *[]string `json:"watched_properties,omitempty"`
	Status            *string   `json:"status,omitempty"`
	VerifyHMAC        *bool     `json:"verify_hmac,omitempty"`
	RequireTimestamp  *bool     `json:"require_timestamp,omitempty"`
	SourceCIDR        *string   `json:"source_cidr,omitempty"`
}

// Validate checks the fields that are present.
func (r *UpdateRequest) Validate() *ValidationError {
	fields := map[string]string{}
	if r.Events != nil && len(*r.Events) == 0 {
		fields["events"] = "events must not be empty"
	}
	if r.EndpointURL != nil && !ValidEndpointURL(*r.EndpointURL) {
		fields["endpoint_url"] = "endpoint_url must be a valid http(s) URL"
	}
	if r.Status != nil {
		switch *r.Status {
		case StatusActive, StatusInactive, StatusArchived:
		default:
			fields["status"] = "status must be active, inactive or archived"
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// ValidEndpointURL reports whether raw parses as an absolute http(s) URL.
func ValidEndpointURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
