package playback

import (
	"context"

	"musicstart/internal/track"
)

// Sink is the single audio output a session streams into. Load supersedes
// whatever was streaming before. Implementations emit their lifecycle on
// Events and must close that channel from Close.
type Sink interface {
	Load(ctx context.Context, mediaURL string, volume float64) error
	Pause() bool
	Unpause() bool
	Stop()
	Status() Status
	SetVolume(v float64)
	Events() <-chan Event
	Close()
}

// Connection is a held voice-transport binding.
type Connection interface {
	ChannelID() string
	Release()
}

// Joiner acquires a voice connection for a channel. Captured by the
// session at Connect time so error recovery can rejoin the same channel.
type Joiner func(channelID string) (Connection, error)

// SinkFactory builds a fresh sink bound to a connection. Called on
// connect and whenever the session discards a failed sink.
type SinkFactory func(conn Connection) Sink

// Resolved is the resolver's answer for one source reference.
type Resolved struct {
	URL       string // canonical reference
	Title     string
	Likes     int
	ViewCount int
	IsLive    bool
	MediaURL  string // directly streamable
}

// Resolver turns an opaque source reference into a streamable source plus
// display metadata.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (*Resolved, error)
}

// Notifier receives user-facing playback notifications. The presentation
// layer owns formatting and localization.
type Notifier interface {
	NowPlaying(t *track.Track)
	PlaybackError(err error)
	AutoPaused()
}

// Store persists a session snapshot wholesale.
type Store interface {
	SaveSession(ctx context.Context, s *Session) error
}
