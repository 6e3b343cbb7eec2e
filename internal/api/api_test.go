package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hooksmith/hooksmith/internal/cleanup"
	"github.com/hooksmith/hooksmith/internal/dispatch"
	"github.com/hooksmith/hooksmith/internal/domain"
	"github.com/hooksmith/hooksmith/internal/registry"
	"github.com/hooksmith/hooksmith/internal/signer"
	"github.com/hooksmith/hooksmith/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSource serves the dispatcher a fixed set of subscriptions.
type fakeSource struct {
	subs []domain.Subscription
}

func (f *fakeSource) ForModelEvent(_ context.Context, targetClass, event, kind string) ([]domain.Subscription, error) {
	var out []domain.Subscription
	for _, s := range f.subs {
		if s.TargetClass == targetClass && s.Kind == kind && s.IsActive() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSource) GetSubscription(_ context.Context, id string) (*domain.Subscription, error) {
	for i := range f.subs {
		if f.subs[i].ID == id {
			return &f.subs[i], nil
		}
	}
	return nil, nil
}

func (f *fakeSource) RecordTrigger(_ context.Context, _ string) error { return nil }

func (f *fakeSource) RecordError(_ context.Context, _ string, _ domain.DeliveryError) error {
	return nil
}

func postJSON(t *testing.T, handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestNotify_QueuesMatchingSubscriptions(t *testing.T) {
	received := make(chan struct{}, 1)
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer endpoint.Close()

	src := &fakeSource{subs: []domain.Subscription{{
		ID:          "sub-1",
		TargetClass: "Order",
		Events:      []string{"created"},
		EndpointURL: endpoint.URL,
		Kind:        domain.KindModel,
		SecretKey:   "whsec_test",
		Status:      domain.StatusActive,
	}}}

	d := dispatch.NewDispatcher(src, 2, testLogger())
	d.Start(context.Background())
	defer d.Stop()

	h := NewNotifyHandler(d, registry.New())
	rec := postJSON(t, h.Notify, `{"target_class":"Order","event":"created","data":{"id":7}}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var body struct {
		Queued int `json:"queued"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if body.Queued != 1 {
		t.Errorf("queued = %d, want 1", body.Queued)
	}

	select {
	case <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("endpoint never received the delivery")
	}
}

func TestNotify_MissingFields(t *testing.T) {
	d := dispatch.NewDispatcher(&fakeSource{}, 1, testLogger())
	h := NewNotifyHandler(d, registry.New())

	rec := postJSON(t, h.Notify, `{"data":{}}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}

	var body struct {
		Fields map[string]string `json:"fields"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if body.Fields["target_class"] == "" || body.Fields["event"] == "" {
		t.Errorf("fields = %v, want target_class and event problems", body.Fields)
	}
}

func TestNotify_RegistryEnforcement(t *testing.T) {
	reg := registry.New()
	if err := reg.Register(registry.Descriptor{Name: "Order", Events: []string{"created"}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	d := dispatch.NewDispatcher(&fakeSource{}, 1, testLogger())
	d.Start(context.Background())
	defer d.Stop()
	h := NewNotifyHandler(d, reg)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"unknown target", `{"target_class":"Invoice","event":"created"}`, http.StatusUnprocessableEntity},
		{"disallowed event", `{"target_class":"Order","event":"deleted"}`, http.StatusUnprocessableEntity},
		{"allowed", `{"target_class":"Order","event":"created"}`, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := postJSON(t, h.Notify, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestNotify_BadJSON(t *testing.T) {
	d := dispatch.NewDispatcher(&fakeSource{}, 1, testLogger())
	h := NewNotifyHandler(d, registry.New())

	if rec := postJSON(t, h.Notify, `{not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// fakeSubStore backs the subscription handler tests.
type fakeSubStore struct {
	subs      map[string]*domain.Subscription
	updateErr error
}

func (f *fakeSubStore) Subscribe(_ context.Context, _ domain.SubscribeRequest) (*domain.Subscription, error) {
	return nil, nil
}

func (f *fakeSubStore) GetSubscription(_ context.Context, id string) (*domain.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return nil, nil
	}
	copied := *sub
	return &copied, nil
}

func (f *fakeSubStore) UpdateSubscription(_ context.Context, id string, _ domain.UpdateRequest) (*domain.Subscription, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return f.GetSubscription(context.Background(), id)
}

func (f *fakeSubStore) SoftDelete(_ context.Context, _ string) error { return nil }

func (f *fakeSubStore) SetStatus(_ context.Context, _, _ string) error { return nil }

func (f *fakeSubStore) ListSubscriptions(_ context.Context, _ store.ListFilter) ([]domain.Subscription, error) {
	var out []domain.Subscription
	for _, sub := range f.subs {
		out = append(out, *sub)
	}
	return out, nil
}

func subRouter(fs *fakeSubStore, d *dispatch.Dispatcher) http.Handler {
	h := NewSubscriptionHandler(fs, d, nil)
	r := chi.NewRouter()
	r.Get("/subscriptions/{id}", h.Get)
	r.Patch("/subscriptions/{id}", h.Update)
	r.Post("/subscriptions/{id}/verify", h.VerifyInbound)
	return r
}

func storedSub(id string) *domain.Subscription {
	return &domain.Subscription{
		ID:          id,
		TargetClass: "Order",
		Events:      []string{"created"},
		EndpointURL: "https://x/" + id,
		Kind:        domain.KindModel,
		SecretKey:   "whsec_abc123",
		Status:      domain.StatusActive,
	}
}

func TestGet_OmitsSecretKey(t *testing.T) {
	fs := &fakeSubStore{subs: map[string]*domain.Subscription{"sub-1": storedSub("sub-1")}}
	router := subRouter(fs, nil)

	req := httptest.NewRequest(http.MethodGet, "/subscriptions/sub-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "whsec_") {
		t.Error("secret key must not appear outside the create response")
	}
}

func TestUpdate_OmitsSecretKey(t *testing.T) {
	fs := &fakeSubStore{subs: map[string]*domain.Subscription{"sub-1": storedSub("sub-1")}}
	router := subRouter(fs, nil)

	req := httptest.NewRequest(http.MethodPatch, "/subscriptions/sub-1", strings.NewReader(`{"events":["updated"]}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "whsec_") {
		t.Error("secret key must not appear outside the create response")
	}
}

func TestUpdate_EndpointConflict(t *testing.T) {
	fs := &fakeSubStore{
		subs:      map[string]*domain.Subscription{"sub-1": storedSub("sub-1")},
		updateErr: domain.ErrDuplicateEndpoint,
	}
	router := subRouter(fs, nil)

	req := httptest.NewRequest(http.MethodPatch, "/subscriptions/sub-1", strings.NewReader(`{"endpoint_url":"https://x/sub-2"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var body struct {
		Fields map[string]string `json:"fields"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if body.Fields["endpoint_url"] == "" {
		t.Errorf("fields = %v, want endpoint_url detail", body.Fields)
	}
}

func TestVerifyInbound_Endpoint(t *testing.T) {
	sub := storedSub("sub-1")
	sub.VerifyHMAC = true
	src := &fakeSource{subs: []domain.Subscription{*sub}}
	d := dispatch.NewDispatcher(src, 1, testLogger())

	fs := &fakeSubStore{subs: map[string]*domain.Subscription{"sub-1": sub}}
	router := subRouter(fs, d)

	payload := `{"event":"created","data":{"id":1}}`
	sig := signer.Sign([]byte(payload), sub.SecretKey)
	body := `{"payload":` + payload + `,"signature":"` + sig + `"}`

	req := httptest.NewRequest(http.MethodPost, "/subscriptions/sub-1/verify", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	var result struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if !result.Valid {
		t.Errorf("body = %s, want valid verification", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/subscriptions/missing/verify", strings.NewReader(body))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown id", rec.Code)
	}
}

// fakeCleanupStore backs the cleanup handler tests.
type fakeCleanupStore struct {
	inactive []domain.Subscription
	deleted  []string
}

func (f *fakeCleanupStore) InactiveOlderThan(_ context.Context, _ int) ([]domain.Subscription, error) {
	return f.inactive, nil
}

func (f *fakeCleanupStore) ErrorOlderThan(_ context.Context, _ int) ([]domain.Subscription, error) {
	return nil, nil
}

func (f *fakeCleanupStore) NeverTriggeredOlderThan(_ context.Context, _ int) ([]domain.Subscription, error) {
	return nil, nil
}

func (f *fakeCleanupStore) Archive(_ context.Context, _ string) error { return nil }

func (f *fakeCleanupStore) HardDelete(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func TestCleanup_DryRunDoesNotMutate(t *testing.T) {
	fs := &fakeCleanupStore{inactive: []domain.Subscription{
		{ID: "a", TargetClass: "Order", EndpointURL: "https://x/a", Status: domain.StatusInactive},
	}}
	h := NewCleanupHandler(cleanup.NewPolicy(fs, testLogger()))

	rec := postJSON(t, h.Run, `{"predicate":"inactive","days":30,"dry_run":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(fs.deleted) != 0 {
		t.Error("dry run must not delete")
	}

	var report cleanup.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if report.TotalMatched != 1 || !report.DryRun {
		t.Errorf("report = %+v, want 1 match flagged dry-run", report)
	}
}

func TestCleanup_UnknownPredicate(t *testing.T) {
	h := NewCleanupHandler(cleanup.NewPolicy(&fakeCleanupStore{}, testLogger()))

	if rec := postJSON(t, h.Run, `{"predicate":"bogus"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
