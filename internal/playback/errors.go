package playback

import "errors"

var (
	// ErrNotConnected means Play was invoked with no voice connection.
	ErrNotConnected = errors.New("not connected to a voice channel")
	// ErrSourceUnavailable means the resolver could not produce a
	// playable stream (not found, or live content).
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrPlaybackTimeout means the sink never reached the playing state
	// within the configured bound. The sink has been recreated.
	ErrPlaybackTimeout = errors.New("playback did not start in time")
	// ErrInvalidVolume rejects volume values outside [0, 1].
	ErrInvalidVolume = errors.New("volume must be within [0, 1]")
	// ErrSuperseded means a newer Play call took over the sink while
	// this one was still resolving; the attempt was discarded.
	ErrSuperseded = errors.New("superseded by a newer play request")
)
