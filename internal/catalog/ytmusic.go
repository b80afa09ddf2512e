// Package catalog looks up track and playlist metadata from the YouTube Music
// browse API. Results are plumbing for the API layer; their keys feed the
// prefetch scheduler.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"novastream/internal/core"
)

const (
	searchPath = "/youtubei/v1/search"
	nextPath   = "/youtubei/v1/next"
	browsePath = "/youtubei/v1/browse"

	webRemixClientName    = "WEB_REMIX"
	webRemixClientVersion = "1.20240101.00.00"

	// songsFilterParams restricts search results to songs, matching the
	// original service's filter="songs" behavior.
	songsFilterParams = "EgWKAQIIAWoKEAkQBRAKEAMQBA%3D%3D"

	homeBrowseID = "FEmusic_home"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
}

// Search returns up to limit songs matching query. The query is normalized to
// NFC first so composed and decomposed inputs hit the same upstream results.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]core.Track, error) {
	var resp searchResponse
	err := c.call(ctx, searchPath, map[string]any{
		"query":  norm.NFC.String(query),
		"params": songsFilterParams,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}

	tracks := resp.tracks()
	if len(tracks) > limit {
		tracks = tracks[:limit]
	}
	return tracks, nil
}

// Trending approximates a trending feed by searching for current top hits,
// which is how the original service answered this when the home feed gave it
// nothing usable.
func (c *Client) Trending(ctx context.Context, limit int) ([]core.Track, error) {
	return c.Search(ctx, "top hits", limit)
}

// Recommended returns the autoplay continuation ("watch playlist") for key.
func (c *Client) Recommended(ctx context.Context, key string, limit int) ([]core.Track, error) {
	var resp nextResponse
	err := c.call(ctx, nextPath, map[string]any{
		"videoId": key,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("recommended for %q: %w", key, err)
	}

	tracks := resp.tracks(key)
	if len(tracks) > limit {
		tracks = tracks[:limit]
	}
	return tracks, nil
}

// Featured returns playlists surfaced on the home feed.
func (c *Client) Featured(ctx context.Context, limit int) ([]core.Playlist, error) {
	var resp browseResponse
	err := c.call(ctx, browsePath, map[string]any{
		"browseId": homeBrowseID,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("featured playlists: %w", err)
	}

	playlists := resp.featuredPlaylists()
	if len(playlists) > limit {
		playlists = playlists[:limit]
	}
	return playlists, nil
}

// Playlist returns a playlist's header and up to limit of its tracks.
func (c *Client) Playlist(ctx context.Context, playlistID string, limit int) (*core.Playlist, error) {
	browseID := playlistID
	if !strings.HasPrefix(browseID, "VL") {
		browseID = "VL" + browseID
	}

	var resp browseResponse
	err := c.call(ctx, browsePath, map[string]any{
		"browseId": browseID,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("playlist %q: %w", playlistID, err)
	}

	pl := resp.playlist(playlistID)
	if len(pl.Tracks) > limit {
		pl.Tracks = pl.Tracks[:limit]
	}
	return pl, nil
}

func (c *Client) call(ctx context.Context, path string, fields map[string]any, out any) error {
	payload := map[string]any{
		"context": map[string]any{
			"client": map[string]any{
				"clientName":    webRemixClientName,
				"clientVersion": webRemixClientVersion,
				"hl":            "en",
			},
		},
	}
	for k, v := range fields {
		payload[k] = v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", c.baseURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
