package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	seed := []string{
		`INSERT INTO content (uuid, content_type, external_id, name, stream_url)
		 VALUES ('m-1', 'movie', '101', 'Some Movie', 'http://prov.example/movie/u/p/101.mkv')`,
		`INSERT INTO content (uuid, content_type, external_id, name)
		 VALUES ('sr-1', 'series', '200', 'Some Series')`,
		`INSERT INTO content (uuid, content_type, external_id, name, stream_url, series_uuid, season_num, episode_num)
		 VALUES ('ep-2', 'episode', '202', 'S01E02', 'http://prov.example/series/u/p/202.mkv', 'sr-1', 1, 2)`,
		`INSERT INTO content (uuid, content_type, external_id, name, stream_url, series_uuid, season_num, episode_num)
		 VALUES ('ep-1', 'episode', '201', 'S01E01', 'http://prov.example/series/u/p/201.mkv', 'sr-1', 1, 1)`,
		`INSERT INTO profiles (name, max_streams, is_default) VALUES ('default', 3, 1)`,
		`INSERT INTO profiles (name, max_streams, user_agent_pattern, search_pattern, replace_pattern)
		 VALUES ('vlc', 2, '(?i)vlc', '://prov\.example/', '://alt.example/')`,
	}
	for _, stmt := range seed {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return New(db)
}

func TestResolveContentMovie(t *testing.T) {
	c := testCatalog(t)

	entry, err := c.ResolveContent(context.Background(), "movie", "101")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if entry.UUID != "m-1" || entry.StreamURL == "" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestResolveContentSeriesReturnsFirstEpisode(t *testing.T) {
	c := testCatalog(t)

	entry, err := c.ResolveContent(context.Background(), "series", "200")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if entry.UUID != "ep-1" {
		t.Fatalf("want first episode ep-1, got %s", entry.UUID)
	}
}

func TestResolveContentNotFound(t *testing.T) {
	c := testCatalog(t)

	if _, err := c.ResolveContent(context.Background(), "movie", "999"); !errors.Is(err, ErrContentNotFound) {
		t.Fatalf("want ErrContentNotFound, got %v", err)
	}
}

func TestSelectProfile(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()

	p, err := c.SelectProfile(ctx, 2, "")
	if err != nil || p.Name != "vlc" {
		t.Fatalf("by id: %+v err=%v", p, err)
	}

	p, err = c.SelectProfile(ctx, 0, "VLC/3.0.18 LibVLC/3.0.18")
	if err != nil || p.Name != "vlc" {
		t.Fatalf("by user agent: %+v err=%v", p, err)
	}

	p, err = c.SelectProfile(ctx, 0, "Kodi/20.0")
	if err != nil || p.Name != "default" {
		t.Fatalf("default fallback: %+v err=%v", p, err)
	}

	if _, err := c.SelectProfile(ctx, 99, ""); !errors.Is(err, ErrNoProfile) {
		t.Fatalf("unknown id: want ErrNoProfile, got %v", err)
	}
}

func TestBuildStreamURL(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()

	entry, _ := c.ResolveContent(ctx, "movie", "101")
	vlc, _ := c.SelectProfile(ctx, 2, "")
	def, _ := c.SelectProfile(ctx, 1, "")

	if url := c.BuildStreamURL(entry, vlc); url != "http://alt.example/movie/u/p/101.mkv" {
		t.Fatalf("rewritten url = %s", url)
	}
	if url := c.BuildStreamURL(entry, def); url != entry.StreamURL {
		t.Fatalf("no-pattern profile should leave url alone, got %s", url)
	}
}
