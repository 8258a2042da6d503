package resolver

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2/clientcredentials"
)

// SpotifyBridge turns a Spotify track link into a text search query
// (artist plus title) so the track can be resolved on YouTube instead.
type SpotifyBridge struct {
	raw *spotify.Client
}

func NewSpotifyBridge(clientID, clientSecret string) *SpotifyBridge {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     spotifyauth.TokenURL,
	}
	httpClient := cfg.Client(context.Background())
	return &SpotifyBridge{raw: spotify.New(httpClient, spotify.WithRetry(true))}
}

// SearchQuery looks the track up and returns "artist title".
func (b *SpotifyBridge) SearchQuery(ctx context.Context, raw string) (string, error) {
	id, err := parseTrackID(raw)
	if err != nil {
		return "", err
	}
	t, err := b.raw.GetTrack(ctx, id)
	if err != nil {
		return "", err
	}
	artist := ""
	if len(t.Artists) > 0 {
		artist = t.Artists[0].Name
	}
	return strings.TrimSpace(artist + " " + t.Name), nil
}

func isSpotifyRef(raw string) bool {
	if strings.HasPrefix(raw, "spotify:") {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Host == "open.spotify.com" || u.Host == "www.open.spotify.com"
}

// parseTrackID accepts spotify:track:ID URIs and open.spotify.com/track/ID
// URLs. Albums and playlists are rejected; only single tracks map onto
// one queue entry.
func parseTrackID(raw string) (spotify.ID, error) {
	if strings.HasPrefix(raw, "spotify:") {
		parts := strings.Split(raw, ":")
		if len(parts) == 3 && parts[1] == "track" {
			return spotify.ID(parts[2]), nil
		}
		return "", fmt.Errorf("unsupported spotify URI %q", raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "track" {
		return spotify.ID(parts[1]), nil
	}
	return "", fmt.Errorf("unsupported spotify link %q", raw)
}
