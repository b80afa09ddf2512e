// Package extract implements the expensive upstream extraction: turning a
// track key into a directly playable audio stream URL via the YouTube player
// API. The android client profile skips DASH/HLS manifests and returns plain
// progressive URLs.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"novastream/internal/core"
)

const (
	playerPath           = "/youtubei/v1/player"
	androidClientName    = "ANDROID"
	androidClientVersion = "19.09.37"
	androidSDKVersion    = 30
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
			// The resolver owns the per-attempt deadline via context; this is
			// only a backstop for callers without one.
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

type playerRequest struct {
	VideoID string        `json:"videoId"`
	Context clientContext `json:"context"`
}

type clientContext struct {
	Client clientInfo `json:"client"`
}

type clientInfo struct {
	ClientName        string `json:"clientName"`
	ClientVersion     string `json:"clientVersion"`
	AndroidSDKVersion int    `json:"androidSdkVersion"`
	HL                string `json:"hl"`
}

type playerResponse struct {
	PlayabilityStatus struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"playabilityStatus"`
	StreamingData struct {
		ExpiresInSeconds string         `json:"expiresInSeconds"`
		Formats          []streamFormat `json:"formats"`
		AdaptiveFormats  []streamFormat `json:"adaptiveFormats"`
	} `json:"streamingData"`
	VideoDetails struct {
		VideoID       string `json:"videoId"`
		Title         string `json:"title"`
		LengthSeconds string `json:"lengthSeconds"`
		Thumbnail     struct {
			Thumbnails []struct {
				URL string `json:"url"`
			} `json:"thumbnails"`
		} `json:"thumbnail"`
	} `json:"videoDetails"`
}

type streamFormat struct {
	Itag           int    `json:"itag"`
	URL            string `json:"url"`
	MimeType       string `json:"mimeType"`
	Bitrate        int    `json:"bitrate"`
	AverageBitrate int    `json:"averageBitrate"`
	AudioQuality   string `json:"audioQuality"`
}

func (f streamFormat) hasAudio() bool {
	return f.AudioQuality != "" || strings.Contains(f.MimeType, "audio")
}

func (f streamFormat) audioOnly() bool {
	return strings.HasPrefix(f.MimeType, "audio/")
}

func (f streamFormat) effectiveBitrate() int {
	if f.AverageBitrate > 0 {
		return f.AverageBitrate
	}
	return f.Bitrate
}

// Extract fetches the player response for key and selects the best audio
// format: audio-only streams first, then highest bitrate.
func (c *Client) Extract(ctx context.Context, key string) (*core.StreamInfo, error) {
	body, err := json.Marshal(playerRequest{
		VideoID: key,
		Context: clientContext{
			Client: clientInfo{
				ClientName:        androidClientName,
				ClientVersion:     androidClientVersion,
				AndroidSDKVersion: androidSDKVersion,
				HL:                "en",
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal player request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+playerPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build player request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "com.google.android.youtube/"+androidClientVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &core.ExtractionError{Key: key, Kind: core.FailureRateLimited,
			Err: fmt.Errorf("player API returned %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &core.ExtractionError{Key: key, Kind: core.FailureNotFound,
			Err: fmt.Errorf("player API returned %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &core.ExtractionError{Key: key, Kind: core.FailureUnknown,
			Err: fmt.Errorf("player API returned %d", resp.StatusCode)}
	}

	var player playerResponse
	if err := json.NewDecoder(resp.Body).Decode(&player); err != nil {
		return nil, &core.ExtractionError{Key: key, Kind: core.FailureUnknown,
			Err: fmt.Errorf("decode player response: %w", err)}
	}

	if status := player.PlayabilityStatus.Status; status != "OK" {
		c.logger.Debug("Key not playable",
			zap.String("key", key),
			zap.String("status", status),
			zap.String("reason", player.PlayabilityStatus.Reason))
		return nil, &core.ExtractionError{Key: key, Kind: core.FailureNotFound,
			Err: fmt.Errorf("playability status %s", status)}
	}

	best, ok := selectAudioFormat(append(
		player.StreamingData.AdaptiveFormats,
		player.StreamingData.Formats...))
	if !ok {
		return nil, &core.ExtractionError{Key: key, Kind: core.FailureNotFound,
			Err: fmt.Errorf("no playable audio format")}
	}

	info := &core.StreamInfo{
		Key:       key,
		URL:       best.URL,
		Title:     player.VideoDetails.Title,
		ExpiresAt: streamExpiry(player.StreamingData.ExpiresInSeconds, best.URL),
	}

	if secs, err := strconv.Atoi(player.VideoDetails.LengthSeconds); err == nil {
		info.Duration = time.Duration(secs) * time.Second
	}
	if thumbs := player.VideoDetails.Thumbnail.Thumbnails; len(thumbs) > 0 {
		info.Thumbnail = thumbs[len(thumbs)-1].URL
	}

	c.logger.Debug("Selected audio format",
		zap.String("key", key),
		zap.Int("itag", best.Itag),
		zap.Int("bitrate", best.effectiveBitrate()))

	return info, nil
}

// selectAudioFormat prefers formats carrying audio, audio-only over muxed, and
// higher bitrate over lower.
func selectAudioFormat(formats []streamFormat) (streamFormat, bool) {
	candidates := make([]streamFormat, 0, len(formats))
	for _, f := range formats {
		if f.URL != "" && f.hasAudio() {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return streamFormat{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.audioOnly() != b.audioOnly() {
			return a.audioOnly()
		}
		return a.effectiveBitrate() > b.effectiveBitrate()
	})

	return candidates[0], true
}

// streamExpiry derives the stream's upstream expiry from the player response,
// falling back to the expire parameter embedded in the stream URL. Returns the
// zero time when neither is present.
func streamExpiry(expiresInSeconds, streamURL string) time.Time {
	if secs, err := strconv.Atoi(expiresInSeconds); err == nil && secs > 0 {
		return time.Now().Add(time.Duration(secs) * time.Second)
	}

	u, err := url.Parse(streamURL)
	if err != nil {
		return time.Time{}
	}
	if unix, err := strconv.ParseInt(u.Query().Get("expire"), 10, 64); err == nil && unix > 0 {
		return time.Unix(unix, 0)
	}

	return time.Time{}
}
