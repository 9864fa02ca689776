package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"kvod-proxy/work/logger"
	"kvod-proxy/work/metrics"
)

type probeResult struct {
	length      int64
	contentType string
}

// probeContentLength discovers the true content length of a target that
// omits Content-Length on full responses but honors ranged requests.
// Best effort: any failure returns ok=false and the caller proceeds
// without a known length.
func (p *VODProxy) probeContentLength(ctx context.Context, target string, headers map[string]string) (int64, string, bool) {
	if hit, ok := p.probes.Get(target); ok {
		return hit.length, hit.contentType, true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, "", false
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", p.Config.ProbeWindow))

	resp, err := p.direct.Do(req)
	if err != nil {
		metrics.ProbeResults.WithLabelValues("error").Inc()
		logger.Debug("{proxy - probeContentLength} probe request failed: %v", err)
		return 0, "", false
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, int64(p.Config.ProbeWindow)+1))
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusPartialContent {
		metrics.ProbeResults.WithLabelValues("unsupported").Inc()
		logger.Debug("{proxy - probeContentLength} target does not honor ranges (status %d)", resp.StatusCode)
		return 0, "", false
	}

	total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range"))
	if !ok {
		metrics.ProbeResults.WithLabelValues("unparseable").Inc()
		return 0, "", false
	}

	contentType := resp.Header.Get("Content-Type")
	p.probes.Set(target, probeResult{length: total, contentType: contentType})
	metrics.ProbeResults.WithLabelValues("ok").Inc()
	logger.Debug("{proxy - probeContentLength} discovered length %d for target", total)
	return total, contentType, true
}

// parseContentRangeTotal extracts the total-length component from a
// Content-Range header like "bytes 0-1024/5000". A "*" total counts as
// unknown.
func parseContentRangeTotal(header string) (int64, bool) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "bytes ") {
		return 0, false
	}
	_, totalStr, found := strings.Cut(header, "/")
	if !found || totalStr == "*" {
		return 0, false
	}
	total, err := strconv.ParseInt(strings.TrimSpace(totalStr), 10, 64)
	if err != nil || total <= 0 {
		return 0, false
	}
	return total, true
}
