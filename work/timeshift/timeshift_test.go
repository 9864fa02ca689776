package timeshift

import (
	"net/url"
	"strings"
	"testing"
)

func TestFromQueryAliases(t *testing.T) {
	q := url.Values{}
	q.Set("start", "2023-01-01T12:00:00Z")
	q.Set("seek", "90")

	p := FromQuery(q)
	if p.UTCStart != "2023-01-01T12:00:00Z" {
		t.Errorf("UTCStart = %q", p.UTCStart)
	}
	if p.Offset != "90" {
		t.Errorf("Offset = %q", p.Offset)
	}
	if p.UTCEnd != "" {
		t.Errorf("UTCEnd = %q, want empty", p.UTCEnd)
	}
}

func TestRewriteMirrorsAliases(t *testing.T) {
	out := Rewrite("http://prov.example/movie/123.mkv", Params{
		UTCStart: "2023-01-01T12:00:00Z",
		Offset:   "30",
	})

	u, err := url.Parse(out)
	if err != nil {
		t.Fatalf("parse rewritten url: %v", err)
	}
	q := u.Query()
	for _, name := range []string{"utc_start", "start"} {
		if q.Get(name) != "2023-01-01T12:00:00Z" {
			t.Errorf("%s = %q", name, q.Get(name))
		}
	}
	for _, name := range []string{"offset", "seek", "t"} {
		if q.Get(name) != "30" {
			t.Errorf("%s = %q", name, q.Get(name))
		}
	}
}

func TestRewriteCatchupPath(t *testing.T) {
	out := Rewrite("http://prov.example/timeshift/u/p/2022-05-05/08-30-00/99.ts", Params{
		UTCStart: "2023-01-01T12:00:00Z",
	})
	if !strings.Contains(out, "/2023-01-01/12-00-00/") {
		t.Errorf("catchup path not rewritten: %s", out)
	}
	if strings.Contains(out, "2022-05-05") {
		t.Errorf("old catchup segment survived: %s", out)
	}
}

func TestRewriteBadStartKeepsPath(t *testing.T) {
	in := "http://prov.example/timeshift/2022-05-05/08-30-00/99.ts"
	out := Rewrite(in, Params{UTCStart: "not-a-timestamp"})
	if !strings.Contains(out, "/2022-05-05/08-30-00/") {
		t.Errorf("path should survive unparseable utc_start: %s", out)
	}
	// The raw value is still mirrored into the query aliases.
	if !strings.Contains(out, "utc_start=not-a-timestamp") {
		t.Errorf("utc_start alias missing: %s", out)
	}
}

func TestRewriteNoParams(t *testing.T) {
	in := "http://prov.example/movie/123.mkv?token=abc"
	if out := Rewrite(in, Params{}); out != in {
		t.Errorf("no-op rewrite changed url: %s", out)
	}
}
