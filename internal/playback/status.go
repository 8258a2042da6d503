package playback

// Status mirrors the streaming sink's lifecycle.
type Status int

const (
	StatusIdle Status = iota
	StatusBuffering
	StatusPlaying
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusBuffering:
		return "buffering"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	}
	return "unknown"
}

// Event is one sink lifecycle notification. Err is non-nil for playback
// error events; otherwise the event is the Old -> New status transition.
// Errors and the idle transition that follows them arrive as two separate
// events, in transport order.
type Event struct {
	Old Status
	New Status
	Err error
}
