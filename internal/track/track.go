package track

import "sync/atomic"

// CountUnknown marks a like or view count the resolver could not provide.
const CountUnknown = -1

// Track is one playable item in a guild's queue. Its identity is the URL:
// two tracks with the same URL are duplicates no matter what their titles
// say. Everything except the play counter is fixed at construction.
type Track struct {
	URL       string
	Title     string
	Likes     int
	ViewCount int

	plays atomic.Int64
}

func New(url, title string, likes, viewCount int) *Track {
	return &Track{URL: url, Title: title, Likes: likes, ViewCount: viewCount}
}

func (t *Track) PlayCount() int { return int(t.plays.Load()) }

// IncPlayCount records one finished playback of this exact instance.
// Only the playback session increments it.
func (t *Track) IncPlayCount() { t.plays.Add(1) }

// SetPlayCount restores a persisted counter.
func (t *Track) SetPlayCount(n int) { t.plays.Store(int64(n)) }

// UpdateCounts refreshes popularity metrics from a newer resolver pass.
// Unknown values leave the previous ones in place.
func (t *Track) UpdateCounts(likes, viewCount int) {
	if likes != CountUnknown {
		t.Likes = likes
	}
	if viewCount != CountUnknown {
		t.ViewCount = viewCount
	}
}
