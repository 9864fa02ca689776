package session

import (
	"encoding/json"
	"strconv"
	"time"
)

// LengthUnknown marks a ConnectionState whose upstream never reported a
// usable content length.
const LengthUnknown int64 = -1

// ConnectionState is the per-session persistent connection record shared
// across workers. FinalURL and ContentLength are set at most once; later
// requests reuse them instead of re-resolving redirects.
type ConnectionState struct {
	SessionID         string
	UpstreamURL       string
	FinalURL          string
	RequestHeaders    map[string]string
	ContentLength     int64
	ContentType       string
	ActiveStreamCount int64
	RequestCount      int64
	OwningProfileID   int64
	LastActivity      time.Time
	CreatedAt         time.Time
}

// Resolved reports whether the first upstream fetch already captured the
// redirect-resolved URL.
func (c *ConnectionState) Resolved() bool {
	return c.FinalURL != ""
}

// SessionRecord is the denormalized session metadata the sweeper and the
// status endpoint read without touching the connection hash.
type SessionRecord struct {
	SessionID   string
	ContentType string
	ContentID   string
	ContentName string
	ProfileID   int64
	ClientIP    string
	UserAgent   string
	CreatedAt   time.Time
}

func (c *ConnectionState) toFields() map[string]string {
	headers, _ := json.Marshal(c.RequestHeaders)
	return map[string]string{
		"session_id":          c.SessionID,
		"upstream_url":        c.UpstreamURL,
		"final_url":           c.FinalURL,
		"request_headers":     string(headers),
		"content_length":      strconv.FormatInt(c.ContentLength, 10),
		"content_type":        c.ContentType,
		"active_stream_count": strconv.FormatInt(c.ActiveStreamCount, 10),
		"request_count":       strconv.FormatInt(c.RequestCount, 10),
		"owning_profile_id":   strconv.FormatInt(c.OwningProfileID, 10),
		"last_activity":       strconv.FormatInt(c.LastActivity.Unix(), 10),
		"created_at":          strconv.FormatInt(c.CreatedAt.Unix(), 10),
	}
}

func stateFromFields(fields map[string]string) *ConnectionState {
	c := &ConnectionState{
		SessionID:         fields["session_id"],
		UpstreamURL:       fields["upstream_url"],
		FinalURL:          fields["final_url"],
		ContentType:       fields["content_type"],
		ContentLength:     parseInt(fields["content_length"], LengthUnknown),
		ActiveStreamCount: parseInt(fields["active_stream_count"], 0),
		RequestCount:      parseInt(fields["request_count"], 0),
		OwningProfileID:   parseInt(fields["owning_profile_id"], 0),
		LastActivity:      parseUnix(fields["last_activity"]),
		CreatedAt:         parseUnix(fields["created_at"]),
	}
	if raw := fields["request_headers"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &c.RequestHeaders)
	}
	return c
}

func (s *SessionRecord) toFields() map[string]string {
	return map[string]string{
		"session_id":   s.SessionID,
		"content_type": s.ContentType,
		"content_id":   s.ContentID,
		"content_name": s.ContentName,
		"profile_id":   strconv.FormatInt(s.ProfileID, 10),
		"client_ip":    s.ClientIP,
		"user_agent":   s.UserAgent,
		"created_at":   strconv.FormatInt(s.CreatedAt.Unix(), 10),
	}
}

func recordFromFields(fields map[string]string) *SessionRecord {
	return &SessionRecord{
		SessionID:   fields["session_id"],
		ContentType: fields["content_type"],
		ContentID:   fields["content_id"],
		ContentName: fields["content_name"],
		ProfileID:   parseInt(fields["profile_id"], 0),
		ClientIP:    fields["client_ip"],
		UserAgent:   fields["user_agent"],
		CreatedAt:   parseUnix(fields["created_at"]),
	}
}

func parseInt(s string, fallback int64) int64 {
	if s == "" {
		return fallback
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func parseUnix(s string) time.Time {
	n := parseInt(s, 0)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(n, 0)
}
