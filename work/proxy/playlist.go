package proxy

import (
	"io"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"

	"kvod-proxy/work/logger"
)

// resolveVariant handles upstreams that front a VOD item with an HLS
// master playlist instead of the media file itself. It picks the highest
// bandwidth variant and returns its absolute URL. Media playlists and
// undecodable bodies return ok=false; the caller relays the body as is.
func resolveVariant(body io.Reader, base *url.URL) (string, bool) {
	playlist, listType, err := m3u8.DecodeFrom(body, true)
	if err != nil {
		logger.Debug("{proxy - resolveVariant} body is not a decodable playlist: %v", err)
		return "", false
	}
	if listType != m3u8.MASTER {
		return "", false
	}

	master := playlist.(*m3u8.MasterPlaylist)
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	if best == nil {
		return "", false
	}

	ref, err := url.Parse(best.URI)
	if err != nil {
		logger.Warn("{proxy - resolveVariant} variant has unparseable URI %q: %v", best.URI, err)
		return "", false
	}
	resolved := base.ResolveReference(ref).String()
	logger.Debug("{proxy - resolveVariant} selected %d bps variant", best.Bandwidth)
	return resolved, true
}

// isPlaylistContentType reports whether the upstream response looks like
// an HLS playlist rather than a media stream.
func isPlaylistContentType(contentType string) bool {
	contentType, _, _ = strings.Cut(strings.ToLower(contentType), ";")
	switch strings.TrimSpace(contentType) {
	case "application/vnd.apple.mpegurl", "application/x-mpegurl", "audio/mpegurl", "audio/x-mpegurl":
		return true
	}
	return false
}
