// Package timeshift injects catchup and seek parameters into upstream VOD
// URLs. Providers disagree on parameter names, so each supplied value is
// mirrored into every known alias rather than branching per provider.
package timeshift

import (
	"net/url"
	"time"

	"github.com/grafana/regexp"

	"kvod-proxy/work/logger"
)

// Params carries the client's timeshift request. Zero values mean the
// parameter was not supplied.
type Params struct {
	UTCStart string // ISO-8601
	UTCEnd   string // ISO-8601
	Offset   string // seconds
}

// Empty reports whether no timeshift parameter was supplied.
func (p Params) Empty() bool {
	return p.UTCStart == "" && p.UTCEnd == "" && p.Offset == ""
}

// FromQuery collects timeshift parameters from a request query, accepting
// the provider aliases for each.
func FromQuery(q url.Values) Params {
	return Params{
		UTCStart: firstOf(q, "utc_start", "start"),
		UTCEnd:   firstOf(q, "utc_end", "end"),
		Offset:   firstOf(q, "offset", "seek", "t"),
	}
}

func firstOf(q url.Values, names ...string) string {
	for _, name := range names {
		if v := q.Get(name); v != "" {
			return v
		}
	}
	return ""
}

// catchupPathRe matches provider catchup path segments like
// /2023-01-01/12-00-00/ embedded in the upstream URL.
var catchupPathRe = regexp.MustCompile(`/\d{4}-\d{2}-\d{2}/\d{2}-\d{2}-\d{2}/`)

// Rewrite applies the timeshift parameters to the upstream URL. It never
// fails the request: on any parse problem the original URL is returned
// and a warning logged.
func Rewrite(rawURL string, p Params) string {
	if p.Empty() {
		return rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		logger.Warn("{timeshift - Rewrite} unparseable upstream url, leaving unmodified: %v", err)
		return rawURL
	}

	q := u.Query()
	mirror(q, p.UTCStart, "utc_start", "start")
	mirror(q, p.UTCEnd, "utc_end", "end")
	mirror(q, p.Offset, "offset", "seek", "t")
	u.RawQuery = q.Encode()

	if p.UTCStart != "" {
		u.Path = rewriteCatchupPath(u.Path, p.UTCStart)
	}

	return u.String()
}

func mirror(q url.Values, value string, aliases ...string) {
	if value == "" {
		return
	}
	for _, alias := range aliases {
		q.Set(alias, value)
	}
}

// rewriteCatchupPath replaces an embedded /YYYY-MM-DD/HH-MM-SS/ segment
// with the requested start time. A start time that does not parse as
// ISO-8601 leaves the path alone.
func rewriteCatchupPath(path, utcStart string) string {
	if !catchupPathRe.MatchString(path) {
		return path
	}
	ts, err := time.Parse(time.RFC3339, utcStart)
	if err != nil {
		logger.Warn("{timeshift - rewriteCatchupPath} utc_start %q is not ISO-8601, keeping original path", utcStart)
		return path
	}
	segment := ts.UTC().Format("/2006-01-02/15-04-05/")
	return catchupPathRe.ReplaceAllString(path, segment)
}
