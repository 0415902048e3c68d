package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"calcodec/internal/config"
	"calcodec/internal/identity"
	"calcodec/internal/model"
)

type fakeEvents map[string]model.EventRecord

func (f fakeEvents) GetEvent(_ context.Context, id string) (model.EventRecord, error) {
	r, ok := f[id]
	if !ok {
		return model.EventRecord{}, identity.ErrNotFound
	}
	return r, nil
}

func (f fakeEvents) EventCounts(context.Context) (map[string]int, error) {
	out := map[string]int{}
	for _, r := range f {
		out[r.Status]++
	}
	return out, nil
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	ctx := context.Background()
	reg := identity.New(nil)
	if _, err := reg.ResolveUID(ctx, "evt-1", "a@x", ""); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterExternalMapping(ctx, "google-1", "a@x"); err != nil {
		t.Fatal(err)
	}
	events := fakeEvents{
		"evt-1": {
			InternalID:  "evt-1",
			UID:         "a@x",
			RawDocument: "BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n",
			Sequence:    1,
			Status:      model.StatusCancelled,
			UpdatedAt:   time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	return NewServer(cfg, reg, events)
}

func get(t *testing.T, h http.Handler, path string, auth ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if len(auth) == 2 {
		req.SetBasicAuth(auth[0], auth[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	h := newTestServer(t, config.DefaultConfig()).Handler()

	if rec := get(t, h, "/health"); rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}

	rec := get(t, h, "/api/stats")
	var stats statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Registry.Bindings != 1 || stats.Registry.ExternalMappings != 1 || stats.Events[model.StatusCancelled] != 1 {
		t.Errorf("stats = %+v", stats)
	}

	rec = get(t, h, "/api/events/evt-1")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"uid":"a@x"`) || strings.Contains(rec.Body.String(), "VCALENDAR") {
		t.Errorf("event = %d %s", rec.Code, rec.Body.String())
	}
	if rec := get(t, h, "/api/events/missing"); rec.Code != http.StatusNotFound {
		t.Errorf("missing event = %d", rec.Code)
	}

	rec = get(t, h, "/api/events/evt-1/document")
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "method=CANCEL") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.HasPrefix(rec.Body.String(), "BEGIN:VCALENDAR") {
		t.Errorf("document = %q", rec.Body.String())
	}

	var ext externalResponse
	rec = get(t, h, "/api/external/google-1")
	if err := json.Unmarshal(rec.Body.Bytes(), &ext); err != nil {
		t.Fatal(err)
	}
	if !ext.Mapped || ext.InternalUID != "a@x" {
		t.Errorf("external = %+v", ext)
	}
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "ops", Password: "s3cret"}
	h := newTestServer(t, cfg).Handler()

	if rec := get(t, h, "/health"); rec.Code != http.StatusOK {
		t.Errorf("health without auth = %d", rec.Code)
	}
	if rec := get(t, h, "/api/stats"); rec.Code != http.StatusUnauthorized {
		t.Errorf("stats without auth = %d", rec.Code)
	}
	if rec := get(t, h, "/api/stats", "ops", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("stats with bad auth = %d", rec.Code)
	}
	if rec := get(t, h, "/api/stats", "ops", "s3cret"); rec.Code != http.StatusOK {
		t.Errorf("stats with auth = %d", rec.Code)
	}
}
