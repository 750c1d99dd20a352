package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/activity-scout/internal/crawler"
)

type fakeActivities struct {
	records []crawler.ActivityRecord
	err     error
}

func (f fakeActivities) List(context.Context) ([]crawler.ActivityRecord, error) {
	return f.records, f.err
}

func (f fakeActivities) Count(context.Context) (int, error) {
	return len(f.records), f.err
}

type fakeSites []crawler.SiteRecord

func (f fakeSites) Sites() []crawler.SiteRecord { return f }

func record(id, title, postcode string) crawler.ActivityRecord {
	age := 5
	return crawler.ActivityRecord{
		ID: id,
		ActivityCandidate: crawler.ActivityCandidate{
			Title:     title,
			Postcode:  postcode,
			SourceURL: "https://splash.example/" + id,
			AgeRange:  crawler.AgeRange{Min: &age, Text: "5+ years"},
		},
		FirstSeen: time.Unix(100, 0).UTC(),
		LastSeen:  time.Unix(200, 0).UTC(),
	}
}

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(fakeActivities{}, nil, zap.NewNop()), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzReportsStoreFailure(t *testing.T) {
	t.Parallel()

	ready := serve(t, NewServer(fakeActivities{records: []crawler.ActivityRecord{record("a", "Swim", "SW1A 1AA")}}, nil, nil), "/readyz")
	require.Equal(t, http.StatusOK, ready.Code)
	require.Contains(t, ready.Body.String(), `"activities":1`)

	down := serve(t, NewServer(fakeActivities{err: errors.New("database is locked")}, nil, nil), "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, down.Code)
}

func TestServer_ListActivitiesFiltersByPostcode(t *testing.T) {
	t.Parallel()

	store := fakeActivities{records: []crawler.ActivityRecord{
		record("a", "Junior Swimming", "SW1A 1AA"),
		record("b", "Toddler Music", "E1 6AN"),
	}}
	s := NewServer(store, nil, zap.NewNop())

	rec := serve(t, s, "/v1/activities?postcode=sw1a1aa")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Activities []activityView `json:"activities"`
		Count      int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	require.Equal(t, "Junior Swimming", body.Activities[0].Title)
	require.Equal(t, "https://splash.example/a", body.Activities[0].WebsiteURL)
	require.Equal(t, 5, *body.Activities[0].AgeMin)

	all := serve(t, s, "/v1/activities")
	require.Contains(t, all.Body.String(), `"count":2`)

	bad := serve(t, s, "/v1/activities?postcode=nope")
	require.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestServer_ListActivitiesError(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(fakeActivities{err: errors.New("boom")}, nil, zap.NewNop()), "/v1/activities")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_ListSites(t *testing.T) {
	t.Parallel()

	sites := fakeSites{{
		Origin:       "https://splash.example",
		Relevance:    crawler.RelevanceRelevant,
		SuccessCount: 4,
		Robots:       crawler.RobotsDecision{Verdict: crawler.RobotsAllowed},
		LastVisited:  time.Unix(300, 0).UTC(),
	}}
	rec := serve(t, NewServer(fakeActivities{}, sites, zap.NewNop()), "/v1/sites")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"origin":"https://splash.example"`)
	require.Contains(t, rec.Body.String(), `"relevance":"relevant"`)

	empty := serve(t, NewServer(fakeActivities{}, nil, zap.NewNop()), "/v1/sites")
	require.JSONEq(t, `{"sites":[]}`, empty.Body.String())
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := NewServer(fakeActivities{}, nil, zap.NewNop())
	serve(t, s, "/healthz")
	rec := serve(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "scout_http_requests_total")
}

func TestServer_ServeStopsWithContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(fakeActivities{}, nil, zap.NewNop()).Serve(ctx, "127.0.0.1:0") }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestRequestIDMiddlewareKeepsIncomingID(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	NewServer(fakeActivities{}, nil, nil).Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
