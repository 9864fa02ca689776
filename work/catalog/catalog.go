// Package catalog is the content/profile lookup layer the proxy core
// calls into: content descriptor resolution, profile selection, and
// provider stream URL construction.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/grafana/regexp"

	"kvod-proxy/work/cache"
	"kvod-proxy/work/logger"
)

var (
	// ErrContentNotFound is returned for unknown content ids. Mapped to 404.
	ErrContentNotFound = errors.New("content not found")
	// ErrNoProfile is returned when no profile matches the request. Mapped to 503.
	ErrNoProfile = errors.New("no profile available")
)

// Content is one playable catalog entry. For series the resolver returns
// the first episode, so StreamURL is always directly playable.
type Content struct {
	UUID        string
	ContentType string
	ExternalID  string
	Name        string
	StreamURL   string
	SeriesUUID  string
	SeasonNum   int
	EpisodeNum  int
}

// Profile is a provider account profile with its concurrency cap and URL
// rewrite patterns.
type Profile struct {
	ID               int64
	Name             string
	MaxStreams       int
	SearchPattern    string
	ReplacePattern   string
	UserAgentPattern string
	IsDefault        bool
}

// Catalog serves lookups from the catalog database, with short-lived
// per-worker caches in front.
type Catalog struct {
	db       *DB
	content  *cache.Cache[string, *Content]
	profiles *cache.Cache[int64, *Profile]
}

// New creates a Catalog over an open database.
func New(db *DB) *Catalog {
	return &Catalog{
		db:       db,
		content:  cache.New[string, *Content](2048, 5*time.Minute),
		profiles: cache.New[int64, *Profile](256, time.Minute),
	}
}

const contentColumns = "uuid, content_type, external_id, name, stream_url, COALESCE(series_uuid, ''), season_num, episode_num"

func scanContent(row *sql.Row) (*Content, error) {
	c := &Content{}
	err := row.Scan(&c.UUID, &c.ContentType, &c.ExternalID, &c.Name, &c.StreamURL, &c.SeriesUUID, &c.SeasonNum, &c.EpisodeNum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrContentNotFound
		}
		return nil, fmt.Errorf("scan content: %w", err)
	}
	return c, nil
}

// ResolveContent maps a content type and external id to a playable
// catalog entry. A series id resolves to its first episode.
func (c *Catalog) ResolveContent(ctx context.Context, contentType, externalID string) (*Content, error) {
	cacheKey := contentType + ":" + externalID
	if hit, ok := c.content.Get(cacheKey); ok {
		return hit, nil
	}

	row := c.db.QueryRowContext(ctx,
		"SELECT "+contentColumns+" FROM content WHERE content_type = ? AND external_id = ?",
		contentType, externalID)
	entry, err := scanContent(row)
	if err != nil {
		return nil, err
	}

	if entry.ContentType == "series" {
		row := c.db.QueryRowContext(ctx,
			"SELECT "+contentColumns+" FROM content WHERE content_type = 'episode' AND series_uuid = ? ORDER BY season_num, episode_num LIMIT 1",
			entry.UUID)
		first, err := scanContent(row)
		if err != nil {
			if errors.Is(err, ErrContentNotFound) {
				logger.Warn("{catalog - ResolveContent} series %s has no episodes", entry.UUID)
			}
			return nil, err
		}
		entry = first
	}

	c.content.Set(cacheKey, entry)
	return entry, nil
}

// SelectProfile picks the profile for a request: an explicitly requested
// profile id wins, then the first profile whose user-agent pattern
// matches the client, then the default profile.
func (c *Catalog) SelectProfile(ctx context.Context, requestedID int64, userAgent string) (*Profile, error) {
	if requestedID > 0 {
		return c.profileByID(ctx, requestedID)
	}

	if userAgent != "" {
		if p, err := c.profileByUserAgent(ctx, userAgent); err == nil {
			return p, nil
		} else if !errors.Is(err, ErrNoProfile) {
			return nil, err
		}
	}

	return c.defaultProfile(ctx)
}

const profileColumns = "id, name, max_streams, search_pattern, replace_pattern, user_agent_pattern, is_default"

func scanProfile(row *sql.Row) (*Profile, error) {
	p := &Profile{}
	err := row.Scan(&p.ID, &p.Name, &p.MaxStreams, &p.SearchPattern, &p.ReplacePattern, &p.UserAgentPattern, &p.IsDefault)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoProfile
		}
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	return p, nil
}

func (c *Catalog) profileByID(ctx context.Context, id int64) (*Profile, error) {
	if hit, ok := c.profiles.Get(id); ok {
		return hit, nil
	}
	p, err := scanProfile(c.db.QueryRowContext(ctx,
		"SELECT "+profileColumns+" FROM profiles WHERE id = ?", id))
	if err != nil {
		return nil, err
	}
	c.profiles.Set(id, p)
	return p, nil
}

func (c *Catalog) profileByUserAgent(ctx context.Context, userAgent string) (*Profile, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT "+profileColumns+" FROM profiles WHERE user_agent_pattern != '' ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p := &Profile{}
		if err := rows.Scan(&p.ID, &p.Name, &p.MaxStreams, &p.SearchPattern, &p.ReplacePattern, &p.UserAgentPattern, &p.IsDefault); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		re, err := regexp.Compile(p.UserAgentPattern)
		if err != nil {
			logger.Warn("{catalog - profileByUserAgent} bad pattern on profile %d: %v", p.ID, err)
			continue
		}
		if re.MatchString(userAgent) {
			return p, rows.Err()
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNoProfile
}

func (c *Catalog) defaultProfile(ctx context.Context) (*Profile, error) {
	return scanProfile(c.db.QueryRowContext(ctx,
		"SELECT " + profileColumns + " FROM profiles WHERE is_default = 1 ORDER BY id LIMIT 1"))
}

// BuildStreamURL applies the profile's search/replace rewrite to the
// content's provider URL. A missing or invalid pattern leaves the URL
// untouched.
func (c *Catalog) BuildStreamURL(content *Content, profile *Profile) string {
	url := content.StreamURL
	if profile == nil || profile.SearchPattern == "" {
		return url
	}
	re, err := regexp.Compile(profile.SearchPattern)
	if err != nil {
		logger.Warn("{catalog - BuildStreamURL} bad search pattern on profile %d: %v", profile.ID, err)
		return url
	}
	return re.ReplaceAllString(url, profile.ReplacePattern)
}
