// Package resolver turns user-supplied references (URLs, search terms,
// Spotify track links) into playable media via yt-dlp.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	ytdlp "github.com/lrstanley/go-ytdlp"

	"musicstart/internal/playback"
	"musicstart/internal/track"
)

type format struct {
	URL string `json:"url"`
}

// videoInfo is the slice of yt-dlp's JSON output this bot cares about.
// like_count and view_count are pointers because yt-dlp omits them for
// some extractors; absent means unknown, not zero.
type videoInfo struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	WebpageURL       string   `json:"webpage_url"`
	URL              string   `json:"url"`
	IsLive           bool     `json:"is_live"`
	LikeCount        *int64   `json:"like_count"`
	ViewCount        *int64   `json:"view_count"`
	Formats          []format `json:"formats"`
	RequestedFormats []format `json:"requested_formats"`
}

var installOnce sync.Once

// YTDLP implements playback.Resolver with yt-dlp. Plain text references
// become a YouTube search returning the top hit; Spotify track links are
// translated to a search when a bridge is wired, and rejected otherwise.
type YTDLP struct {
	spotify *SpotifyBridge
}

func NewYTDLP(spotify *SpotifyBridge) *YTDLP {
	return &YTDLP{spotify: spotify}
}

func (r *YTDLP) Resolve(ctx context.Context, ref string) (*playback.Resolved, error) {
	query, err := r.query(ctx, ref)
	if err != nil {
		return nil, err
	}

	installOnce.Do(func() {
		ytdlp.MustInstall(ctx, nil)
	})

	cmd := ytdlp.New().
		Format("ba[acodec^=opus]/ba[ext=m4a]/bestaudio/best").
		NoCheckCertificates().
		DumpJSON()

	res, err := cmd.Run(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("yt-dlp run: %w", err)
	}

	// --dump-json prints one object per entry; for searches and playlist
	// links the first line is the track we want.
	line := strings.TrimSpace(res.Stdout)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if line == "" {
		return nil, fmt.Errorf("yt-dlp returned nothing for %q", ref)
	}
	var info videoInfo
	if err := json.Unmarshal([]byte(line), &info); err != nil {
		return nil, fmt.Errorf("parse yt-dlp json: %w", err)
	}

	mediaURL := pickMediaURL(&info)
	if mediaURL == "" {
		return nil, fmt.Errorf("no playable format for %q", ref)
	}

	return &playback.Resolved{
		URL:       canonicalURL(&info, ref),
		Title:     info.Title,
		Likes:     count(info.LikeCount),
		ViewCount: count(info.ViewCount),
		IsLive:    info.IsLive,
		MediaURL:  mediaURL,
	}, nil
}

// query maps the reference onto a yt-dlp argument: URLs pass through,
// Spotify links go through the bridge, anything else is a search.
func (r *YTDLP) query(ctx context.Context, ref string) (string, error) {
	if isSpotifyRef(ref) {
		if r.spotify == nil {
			return "", fmt.Errorf("spotify links require spotify credentials")
		}
		q, err := r.spotify.SearchQuery(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("resolve spotify link: %w", err)
		}
		return "ytsearch1:" + q, nil
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, nil
	}
	return "ytsearch1:" + ref, nil
}

func count(ptr *int64) int {
	if ptr == nil {
		return track.CountUnknown
	}
	return int(*ptr)
}

// canonicalURL is what the queue stores and dedups on.
func canonicalURL(info *videoInfo, ref string) string {
	if info.WebpageURL != "" {
		return info.WebpageURL
	}
	if info.ID != "" {
		return "https://www.youtube.com/watch?v=" + info.ID
	}
	return ref
}

// pickMediaURL returns the best directly streamable URL: requested
// formats first, then the top-level url, then the format list.
func pickMediaURL(info *videoInfo) string {
	for _, rf := range info.RequestedFormats {
		if strings.HasPrefix(rf.URL, "http") {
			return rf.URL
		}
	}
	if strings.HasPrefix(info.URL, "http") {
		return info.URL
	}
	for _, f := range info.Formats {
		if strings.HasPrefix(f.URL, "http") {
			return f.URL
		}
	}
	return ""
}
