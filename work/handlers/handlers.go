// Package handlers is the thin HTTP routing layer: it extracts path and
// query parameters, mints session ids, and maps catalog errors to status
// codes before handing requests to the stream engine.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"kvod-proxy/work/catalog"
	"kvod-proxy/work/config"
	"kvod-proxy/work/logger"
	"kvod-proxy/work/proxy"
	"kvod-proxy/work/session"
	"kvod-proxy/work/utils"
)

// Handler bundles the dependencies the routes need.
type Handler struct {
	Config   *config.Config
	Proxy    *proxy.VODProxy
	Registry *session.Registry
	started  time.Time
}

// New creates the route handler set.
func New(cfg *config.Config, p *proxy.VODProxy, r *session.Registry) *Handler {
	return &Handler{Config: cfg, Proxy: p, Registry: r, started: time.Now()}
}

// HandleVOD serves GET /vod/{type}/{id}. A request without a session id
// is redirected back to itself with a freshly minted one, preserving all
// original query parameters so timeshift and profile hints survive the
// redirect.
func (h *Handler) HandleVOD(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	contentType := vars["type"]
	contentID := vars["id"]

	switch contentType {
	case "movie", "episode", "series":
	default:
		http.Error(w, "unknown content type", http.StatusBadRequest)
		return
	}

	sid := r.URL.Query().Get("session_id")
	if sid == "" {
		h.redirectWithSession(w, r)
		return
	}

	entry, err := h.Proxy.Catalog.ResolveContent(r.Context(), contentType, contentID)
	if err != nil {
		if errors.Is(err, catalog.ErrContentNotFound) {
			http.Error(w, "content not found", http.StatusNotFound)
			return
		}
		logger.Error("{handlers - HandleVOD} content lookup failed for %s/%s: %v", contentType, contentID, err)
		http.Error(w, "catalog unavailable", http.StatusServiceUnavailable)
		return
	}

	requestedProfile, _ := strconv.ParseInt(r.URL.Query().Get("profile_id"), 10, 64)
	profile, err := h.Proxy.Catalog.SelectProfile(r.Context(), requestedProfile, r.UserAgent())
	if err != nil {
		if errors.Is(err, catalog.ErrNoProfile) {
			http.Error(w, "no profile available", http.StatusServiceUnavailable)
			return
		}
		logger.Error("{handlers - HandleVOD} profile selection failed: %v", err)
		http.Error(w, "catalog unavailable", http.StatusServiceUnavailable)
		return
	}

	clientIP, userAgent := utils.ClientInfo(r)
	h.Proxy.ServeContent(w, r, &proxy.StreamRequest{
		SessionID: sid,
		Content:   entry,
		Profile:   profile,
		ClientIP:  clientIP,
		UserAgent: userAgent,
	})
}

func (h *Handler) redirectWithSession(w http.ResponseWriter, r *http.Request) {
	sid := utils.NewSessionID()

	target := *r.URL
	q, err := url.ParseQuery(target.RawQuery)
	if err != nil {
		q = url.Values{}
	}
	q.Set("session_id", sid)
	target.RawQuery = q.Encode()

	logger.Debug("{handlers - redirectWithSession} minted session %s for %s", sid, r.URL.Path)
	http.Redirect(w, r, target.String(), http.StatusFound)
}

type statusSession struct {
	SessionID   string `json:"session_id"`
	ContentType string `json:"content_type"`
	ContentID   string `json:"content_id"`
	ContentName string `json:"content_name"`
	ProfileID   int64  `json:"profile_id"`
	ClientIP    string `json:"client_ip"`
	UserAgent   string `json:"user_agent"`
	CreatedAt   string `json:"created_at"`
}

type statusResponse struct {
	UptimeSeconds int64           `json:"uptime_seconds"`
	SessionCount  int             `json:"session_count"`
	Sessions      []statusSession `json:"sessions"`
}

// HandleStatus serves GET /api/status with the live session list.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	records, err := h.Registry.Records(r.Context())
	if err != nil {
		logger.Error("{handlers - HandleStatus} session scan failed: %v", err)
		http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := statusResponse{
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		SessionCount:  len(records),
		Sessions:      make([]statusSession, 0, len(records)),
	}
	for _, rec := range records {
		resp.Sessions = append(resp.Sessions, statusSession{
			SessionID:   rec.SessionID,
			ContentType: rec.ContentType,
			ContentID:   rec.ContentID,
			ContentName: rec.ContentName,
			ProfileID:   rec.ProfileID,
			ClientIP:    rec.ClientIP,
			UserAgent:   rec.UserAgent,
			CreatedAt:   rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("{handlers - HandleStatus} encode failed: %v", err)
	}
}
