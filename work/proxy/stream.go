package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"kvod-proxy/work/catalog"
	"kvod-proxy/work/client"
	"kvod-proxy/work/limiter"
	"kvod-proxy/work/logger"
	"kvod-proxy/work/metrics"
	"kvod-proxy/work/ranges"
	"kvod-proxy/work/session"
	"kvod-proxy/work/store"
	"kvod-proxy/work/timeshift"
	"kvod-proxy/work/utils"
)

// StreamRequest carries the routing layer's resolved inputs into the
// engine: who is asking, for what content, on which session.
type StreamRequest struct {
	SessionID string
	Content   *catalog.Content
	Profile   *catalog.Profile
	ClientIP  string
	UserAgent string
}

// maxPlaylistBytes bounds how much of a playlist-typed response is
// buffered for variant resolution.
const maxPlaylistBytes = 4 << 20

type replayReadCloser struct {
	io.Reader
	io.Closer
}

// replayBody prepends already consumed bytes back onto a response body.
func replayBody(head []byte, body io.ReadCloser) io.ReadCloser {
	return &replayReadCloser{
		Reader: io.MultiReader(bytes.NewReader(head), body),
		Closer: body,
	}
}

// forwardedHeaders are the client headers replayed upstream.
var forwardedHeaders = []string{"User-Agent", "Authorization", "Referer", "Origin", "Accept"}

func collectForwardHeaders(r *http.Request) map[string]string {
	out := map[string]string{}
	for _, name := range forwardedHeaders {
		if v := r.Header.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}

// ServeContent is the engine entry point: it finds or creates the
// session, negotiates the byte range, fetches upstream, and relays the
// body in chunks.
func (p *VODProxy) ServeContent(w http.ResponseWriter, r *http.Request, sr *StreamRequest) {
	ctx := r.Context()
	crw := client.NewCustomResponseWriter(w)
	sid := sr.SessionID

	state, err := p.Registry.Load(ctx, sid)
	switch {
	case err == nil:
		p.Registry.CancelCleanup(sid)
	case errors.Is(err, store.ErrNotFound):
		state, err = p.openSession(ctx, r, sr)
		if err != nil {
			p.failOpen(crw, sid, err)
			return
		}
	default:
		logger.Error("{proxy - ServeContent} session load failed for %s: %v", sid, err)
		http.Error(crw, "session store unavailable", http.StatusServiceUnavailable)
		metrics.RequestsServed.WithLabelValues("503").Inc()
		return
	}

	p.Registry.Touch(ctx, sid)

	rawRange := r.Header.Get("Range")
	rangeReq, hasRange := ranges.Parse(rawRange)

	var norm *ranges.ByteRange
	if hasRange && state.ContentLength > 0 {
		nr, err := ranges.Normalize(rangeReq, state.ContentLength)
		if err != nil {
			crw.Header().Set("Content-Range", ranges.UnsatisfiableContentRange(state.ContentLength))
			crw.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			metrics.RequestsServed.WithLabelValues("416").Inc()
			// No relay started, so nothing will re-arm the idle timer.
			p.Registry.ScheduleCleanup(sid)
			return
		}
		norm = &nr
	}

	resolved := state.Resolved()
	resp, err := p.fetchUpstream(ctx, state, norm, hasRange, rawRange)
	if err != nil {
		logger.Error("{proxy - ServeContent} upstream fetch failed for %s: %v", sid, err)
		metrics.StreamErrors.WithLabelValues("upstream").Inc()
		p.Registry.Teardown(context.WithoutCancel(ctx), sid, "upstream-error")
		http.Error(crw, "upstream unreachable", http.StatusBadGateway)
		metrics.RequestsServed.WithLabelValues("502").Inc()
		return
	}
	defer resp.Body.Close()

	// The direct client does not follow redirects. A 3xx on the resolved
	// path means the cached final_url expired; relaying it would hand the
	// player the redirect body as playable content.
	if resp.StatusCode >= 400 || (resolved && resp.StatusCode >= 300) {
		logger.Warn("{proxy - ServeContent} upstream returned %d for %s", resp.StatusCode, utils.LogURL(p.Config, state.UpstreamURL))
		metrics.StreamErrors.WithLabelValues("upstream").Inc()
		p.Registry.Teardown(context.WithoutCancel(ctx), sid, "upstream-error")
		http.Error(crw, "upstream error", http.StatusBadGateway)
		metrics.RequestsServed.WithLabelValues("502").Inc()
		return
	}

	// Re-read after the first fetch may have resolved length/type.
	if !state.Resolved() {
		if refreshed, err := p.Registry.Load(ctx, sid); err == nil {
			state = refreshed
		}
	} else if state.ContentLength <= 0 && resp.StatusCode == http.StatusPartialContent {
		// Length becomes known lazily the first time upstream answers a
		// ranged request with a total.
		if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			if err := p.Registry.SetResolved(ctx, sid, "", total, ""); err == nil {
				state.ContentLength = total
			}
		}
	}

	p.writeResponseHeaders(crw, state, resp, norm)
	p.relay(ctx, crw, resp.Body, sid)
}

// openSession claims a profile slot and registers the session. The slot
// is released on every failure path and when another worker won the
// creation race, so each live session holds exactly one slot.
func (p *VODProxy) openSession(ctx context.Context, r *http.Request, sr *StreamRequest) (*session.ConnectionState, error) {
	profile := sr.Profile
	if err := p.Limiter.TryAcquire(ctx, profile.ID, profile.MaxStreams); err != nil {
		if errors.Is(err, limiter.ErrLimitExceeded) {
			metrics.LimitRejections.Inc()
		}
		return nil, err
	}

	upstream := p.Catalog.BuildStreamURL(sr.Content, profile)
	upstream = timeshift.Rewrite(upstream, timeshift.FromQuery(r.URL.Query()))
	logger.Debug("{proxy - openSession} session %s upstream %s", sr.SessionID, utils.LogURL(p.Config, upstream))

	state := &session.ConnectionState{
		SessionID:       sr.SessionID,
		UpstreamURL:     upstream,
		RequestHeaders:  collectForwardHeaders(r),
		ContentLength:   session.LengthUnknown,
		OwningProfileID: profile.ID,
	}
	rec := &session.SessionRecord{
		SessionID:   sr.SessionID,
		ContentType: sr.Content.ContentType,
		ContentID:   sr.Content.ExternalID,
		ContentName: sr.Content.Name,
		ProfileID:   profile.ID,
		ClientIP:    sr.ClientIP,
		UserAgent:   sr.UserAgent,
	}

	created, existing, err := p.Registry.Create(ctx, state, rec)
	if err != nil {
		p.Limiter.Release(ctx, profile.ID)
		return nil, err
	}
	if !created {
		// The race winner's session already holds a slot.
		p.Limiter.Release(ctx, profile.ID)
		return existing, nil
	}
	return state, nil
}

func (p *VODProxy) failOpen(crw *client.CustomResponseWriter, sid string, err error) {
	switch {
	case errors.Is(err, limiter.ErrLimitExceeded):
		http.Error(crw, "stream limit reached", http.StatusTooManyRequests)
		metrics.RequestsServed.WithLabelValues("429").Inc()
	case errors.Is(err, session.ErrLockUnavailable):
		http.Error(crw, "session busy, retry", http.StatusServiceUnavailable)
		metrics.RequestsServed.WithLabelValues("503").Inc()
	default:
		logger.Error("{proxy - failOpen} session open failed for %s: %v", sid, err)
		http.Error(crw, "session unavailable", http.StatusServiceUnavailable)
		metrics.RequestsServed.WithLabelValues("503").Inc()
	}
}

// fetchUpstream issues the upstream request. The first fetch on a session
// follows redirects and records the resolved target; later fetches go
// straight to final_url so Range offsets stay consistent.
func (p *VODProxy) fetchUpstream(ctx context.Context, state *session.ConnectionState, norm *ranges.ByteRange, hasRange bool, rawRange string) (*http.Response, error) {
	if state.Resolved() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, state.FinalURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		applyHeaders(req, state.RequestHeaders)
		setRange(req, norm, hasRange, rawRange)
		return p.direct.Do(req)
	}

	p.pace(state.UpstreamURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, state.UpstreamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	applyHeaders(req, state.RequestHeaders)
	setRange(req, norm, hasRange, rawRange)

	resp, err := p.resolver.Do(req)
	if err != nil {
		return nil, err
	}

	finalURL := resp.Request.URL.String()

	// Some providers front VOD items with an HLS master playlist; the
	// real media lives behind the best variant. The playlist is buffered
	// before decoding so a non-master body can still be relayed intact.
	if resp.StatusCode < 300 && isPlaylistContentType(resp.Header.Get("Content-Type")) {
		head, rerr := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes))
		if rerr != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("read playlist: %w", rerr)
		}

		if variant, ok := resolveVariant(bytes.NewReader(head), resp.Request.URL); ok {
			resp.Body.Close()
			logger.Debug("{proxy - fetchUpstream} session %s following playlist variant", state.SessionID)

			vreq, err := http.NewRequestWithContext(ctx, http.MethodGet, variant, nil)
			if err != nil {
				return nil, fmt.Errorf("build variant request: %w", err)
			}
			applyHeaders(vreq, state.RequestHeaders)
			setRange(vreq, norm, hasRange, rawRange)
			resp, err = p.resolver.Do(vreq)
			if err != nil {
				return nil, err
			}
			finalURL = resp.Request.URL.String()
		} else {
			resp.Body = replayBody(head, resp.Body)
		}
	}

	length, contentType := responseLength(resp)
	if length <= 0 && !hasRange && resp.StatusCode < 300 {
		if total, ctype, ok := p.probeContentLength(ctx, finalURL, state.RequestHeaders); ok {
			length = total
			if contentType == "" {
				contentType = ctype
			}
		}
	}

	if resp.StatusCode < 400 {
		if err := p.Registry.SetResolved(ctx, state.SessionID, finalURL, length, contentType); err != nil {
			logger.Warn("{proxy - fetchUpstream} could not record resolved target for %s: %v", state.SessionID, err)
		}
	}
	return resp, nil
}

func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

// setRange sends the normalized range when one was computed, or the raw
// client header while the content length is still unknown.
func setRange(req *http.Request, norm *ranges.ByteRange, hasRange bool, rawRange string) {
	if norm != nil {
		req.Header.Set("Range", norm.Header())
		return
	}
	if hasRange {
		req.Header.Set("Range", rawRange)
	}
}

// responseLength extracts content length and type from an upstream
// response, preferring the Content-Range total on a 206.
func responseLength(resp *http.Response) (int64, string) {
	contentType := resp.Header.Get("Content-Type")
	if resp.StatusCode == http.StatusPartialContent {
		if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			return total, contentType
		}
	}
	if resp.ContentLength > 0 && resp.StatusCode == http.StatusOK {
		return resp.ContentLength, contentType
	}
	return 0, contentType
}

// writeResponseHeaders emits the streaming response headers: 206 with
// Content-Range when upstream honored a range, else 200 with a
// Content-Length when one is known.
func (p *VODProxy) writeResponseHeaders(crw *client.CustomResponseWriter, state *session.ConnectionState, resp *http.Response, norm *ranges.ByteRange) {
	h := crw.Header()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = state.ContentType
	}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	if state.ContentLength > 0 {
		h.Set("Accept-Ranges", "bytes")
	}

	if resp.StatusCode == http.StatusPartialContent {
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			h.Set("Content-Range", cr)
		} else if norm != nil {
			h.Set("Content-Range", norm.ContentRange(state.ContentLength))
		}
		if resp.ContentLength >= 0 {
			h.Set("Content-Length", fmt.Sprintf("%d", resp.ContentLength))
		}
		crw.WriteHeader(http.StatusPartialContent)
		metrics.RequestsServed.WithLabelValues("206").Inc()
		return
	}

	switch {
	case resp.ContentLength >= 0:
		h.Set("Content-Length", fmt.Sprintf("%d", resp.ContentLength))
	case state.ContentLength > 0:
		h.Set("Content-Length", fmt.Sprintf("%d", state.ContentLength))
	}
	crw.WriteHeader(http.StatusOK)
	metrics.RequestsServed.WithLabelValues("200").Inc()
}

// relay copies the upstream body to the client in fixed-size chunks,
// updating session activity on a sampled cadence. Client disconnects take
// the delayed-cleanup path; upstream errors tear the session down
// immediately since the cached final_url may now be stale.
func (p *VODProxy) relay(ctx context.Context, crw *client.CustomResponseWriter, body io.Reader, sid string) {
	p.Registry.IncrActiveStreams(ctx, sid)

	buf := p.buffers.Get()
	defer p.buffers.Put(buf)

	bg := context.WithoutCancel(ctx)
	var chunks int64
	var relayed int64
	tornDown := false

	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := crw.Write(buf[:n]); werr != nil {
				logger.Debug("{proxy - relay} client write ended for %s after %d bytes: %v", sid, relayed, werr)
				metrics.StreamErrors.WithLabelValues("client").Inc()
				break
			}
			crw.Flush()
			relayed += int64(n)
			metrics.BytesTransferred.WithLabelValues("out").Add(float64(n))

			chunks++
			if chunks%int64(p.Config.ActivitySampleChunks) == 0 {
				p.submit(func() { p.Registry.TouchActivity(bg, sid) })
			}
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				// The read failed because the client went away, not
				// because upstream broke.
				logger.Debug("{proxy - relay} client disconnected from %s after %d bytes", sid, relayed)
				metrics.StreamErrors.WithLabelValues("client").Inc()
				break
			}
			logger.Warn("{proxy - relay} upstream read failed for %s after %d bytes: %v", sid, relayed, rerr)
			metrics.StreamErrors.WithLabelValues("upstream").Inc()
			p.Registry.DecrActiveStreams(bg, sid)
			p.Registry.Teardown(bg, sid, "upstream-error")
			tornDown = true
			break
		}
	}

	if tornDown {
		return
	}
	if remaining := p.Registry.DecrActiveStreams(bg, sid); remaining == 0 {
		p.Registry.ScheduleCleanup(sid)
	}
	logger.Debug("{proxy - relay} session %s relay finished, %d bytes", sid, relayed)
}
