package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"kvod-proxy/work/catalog"
	"kvod-proxy/work/config"
	"kvod-proxy/work/limiter"
	"kvod-proxy/work/proxy"
	"kvod-proxy/work/session"
	"kvod-proxy/work/store"
)

func testHandler(t *testing.T, upstreamURL string) (*Handler, *mux.Router) {
	t.Helper()
	cfg := &config.Config{
		ConnectionTTL:          time.Hour,
		SessionTTL:             30 * time.Minute,
		SessionMaxAge:          30 * time.Minute,
		SweepInterval:          time.Minute,
		CleanupDelay:           10 * time.Second,
		LockTTL:                10 * time.Second,
		LockRetries:            3,
		LockRetryDelay:         5 * time.Millisecond,
		ChunkSize:              8192,
		ActivitySampleChunks:   100,
		ProbeWindow:            1024,
		ProbeCacheTTL:          time.Minute,
		UpstreamTimeout:        30 * time.Second,
		ProviderRequestsPerSec: 1000,
		UserAgent:              "test-agent",
	}

	db, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	seed := []string{
		`INSERT INTO content (uuid, content_type, external_id, name, stream_url)
		 VALUES ('m-1', 'movie', '101', 'Some Movie', '` + upstreamURL + `/movie.mkv')`,
		`INSERT INTO profiles (name, max_streams, is_default) VALUES ('default', 2, 1)`,
	}
	for _, stmt := range seed {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	s := store.NewMemoryStore()
	lim := limiter.New(s)
	reg := session.NewRegistry(cfg, s, lim)
	p := proxy.New(cfg, s, reg, lim, catalog.New(db), nil)
	h := New(cfg, p, reg)

	router := mux.NewRouter()
	router.HandleFunc("/vod/{type}/{id}", h.HandleVOD).Methods(http.MethodGet)
	router.HandleFunc("/api/status", h.HandleStatus).Methods(http.MethodGet)
	return h, router
}

func TestVODMintsSessionAndStreams(t *testing.T) {
	payload := bytes.Repeat([]byte("abcd"), 1250) // 5000 bytes
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "movie.mkv", time.Now(), bytes.NewReader(payload))
	}))
	defer upstream.Close()

	_, router := testHandler(t, upstream.URL)

	// No session id: expect a redirect carrying a minted one and the
	// original query parameters.
	req := httptest.NewRequest(http.MethodGet, "/vod/movie/101?utc_start=2023-01-01T12:00:00Z", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("mint status = %d", rec.Code)
	}

	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	sid := loc.Query().Get("session_id")
	if sid == "" {
		t.Fatal("redirect carries no session_id")
	}
	if loc.Query().Get("utc_start") != "2023-01-01T12:00:00Z" {
		t.Fatalf("original query lost: %s", loc)
	}

	// First ranged request on the minted session.
	req = httptest.NewRequest(http.MethodGet, loc.String(), nil)
	req.Header.Set("Range", "bytes=0-1023")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("first stream status = %d, body %q", rec.Code, rec.Body.String())
	}
	if cr := rec.Header().Get("Content-Range"); cr != "bytes 0-1023/5000" {
		t.Fatalf("Content-Range = %q", cr)
	}
	if rec.Body.Len() != 1024 {
		t.Fatalf("body length = %d", rec.Body.Len())
	}

	// Immediate follow-up with the next window, no new redirect.
	req = httptest.NewRequest(http.MethodGet, loc.String(), nil)
	req.Header.Set("Range", "bytes=1024-2047")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("second stream status = %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), payload[1024:2048]) {
		t.Fatal("second window bytes mismatch")
	}
}

func TestVODUnknownContentType(t *testing.T) {
	_, router := testHandler(t, "http://unused.example")

	req := httptest.NewRequest(http.MethodGet, "/vod/live/101?session_id=s1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestVODContentNotFound(t *testing.T) {
	_, router := testHandler(t, "http://unused.example")

	req := httptest.NewRequest(http.MethodGet, "/vod/movie/999?session_id=s1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestStatusListsSessions(t *testing.T) {
	payload := bytes.Repeat([]byte("s"), 256)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "movie.mkv", time.Now(), bytes.NewReader(payload))
	}))
	defer upstream.Close()

	_, router := testHandler(t, upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/vod/movie/101?session_id=sess-a", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("stream status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d", rec.Code)
	}

	var resp statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionCount != 1 || len(resp.Sessions) != 1 {
		t.Fatalf("session count = %d", resp.SessionCount)
	}
	if resp.Sessions[0].SessionID != "sess-a" || resp.Sessions[0].ContentName != "Some Movie" {
		t.Fatalf("unexpected session: %+v", resp.Sessions[0])
	}
}
