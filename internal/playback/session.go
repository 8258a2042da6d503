package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"musicstart/internal/queue"
	"musicstart/internal/track"
)

// DefaultVolume is applied to fresh sessions until a user changes it.
const DefaultVolume = 0.64

const defaultPlayTimeout = 30 * time.Second

// Options wires a session to its collaborators. Resolver and NewSink are
// required; the rest may be nil (the session then skips notifications,
// persistence and the listener check).
type Options struct {
	GuildID     string
	Joiner      Joiner
	NewSink     SinkFactory
	Resolver    Resolver
	Notifier    Notifier
	Store       Store
	Occupancy   func(channelID string) int
	Language    string
	PlayTimeout time.Duration
	HardRecover bool
}

// Session is the per-guild playback controller: it owns the queue, one
// voice connection and one streaming sink, and reacts to sink lifecycle
// events to advance the queue on its own.
type Session struct {
	ID    string
	Queue *queue.Queue

	joiner    Joiner
	newSink   SinkFactory
	resolver  Resolver
	notifier  Notifier
	store     Store
	occupancy func(channelID string) int

	playTimeout time.Duration
	hardRecover bool

	mu         sync.Mutex
	conn       Connection
	channelID  string
	sink       Sink
	volume     float64
	verbose    bool
	repeat     bool
	language   string
	errLatched bool
	attempt    uint64

	// loadMu serializes commits into the sink so overlapping Play calls
	// cannot interleave their loads.
	loadMu sync.Mutex
}

func NewSession(opts Options) *Session {
	lang := opts.Language
	if lang == "" {
		lang = "en"
	}
	timeout := opts.PlayTimeout
	if timeout <= 0 {
		timeout = defaultPlayTimeout
	}
	return &Session{
		ID:          opts.GuildID,
		Queue:       queue.New(),
		joiner:      opts.Joiner,
		newSink:     opts.NewSink,
		resolver:    opts.Resolver,
		notifier:    opts.Notifier,
		store:       opts.Store,
		occupancy:   opts.Occupancy,
		playTimeout: timeout,
		hardRecover: opts.HardRecover,
		volume:      DefaultVolume,
		verbose:     true,
		language:    lang,
	}
}

// Connect joins the given voice channel and binds a fresh sink to the
// connection. Calling it again rebinds to the new channel.
func (s *Session) Connect(channelID string) error {
	if s.joiner == nil {
		return ErrNotConnected
	}
	conn, err := s.joiner(channelID)
	if err != nil {
		return err
	}

	snk := s.newSink(conn)
	s.mu.Lock()
	oldConn, oldSink := s.conn, s.sink
	s.conn, s.channelID, s.sink = conn, channelID, snk
	s.mu.Unlock()

	go s.pump(snk)
	if oldSink != nil {
		oldSink.Close()
	}
	if oldConn != nil {
		oldConn.Release()
	}
	return nil
}

// Disconnect releases the voice connection and discards the sink. The
// queue is kept.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn, snk := s.conn, s.sink
	s.conn, s.sink, s.channelID = nil, nil, ""
	s.mu.Unlock()

	if snk != nil {
		snk.Stop()
		snk.Close()
	}
	if conn != nil {
		conn.Release()
	}
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// ChannelID returns the bound voice channel, empty when disconnected.
func (s *Session) ChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID
}

// Play resolves the track and streams it into the sink, superseding
// whatever was playing. It returns once the sink reports the playing
// state or fails. When a newer Play starts while this one is still
// resolving, this attempt is discarded with ErrSuperseded instead of
// clobbering the sink.
func (s *Session) Play(ctx context.Context, t *track.Track) error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.attempt++
	token := s.attempt
	s.mu.Unlock()

	res, err := s.resolver.Resolve(ctx, t.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if res.IsLive {
		return fmt.Errorf("%w: live content is not supported", ErrSourceUnavailable)
	}
	t.UpdateCounts(res.Likes, res.ViewCount)

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	s.mu.Lock()
	if s.attempt != token {
		s.mu.Unlock()
		return ErrSuperseded
	}
	snk := s.sink
	vol := s.volume
	s.mu.Unlock()
	if snk == nil {
		return ErrNotConnected
	}

	if err := snk.Load(ctx, res.MediaURL, vol); err != nil {
		s.resetSink()
		return fmt.Errorf("load stream: %w", err)
	}

	err = s.waitPlaying(ctx, snk, token)
	if errors.Is(err, ErrPlaybackTimeout) {
		slog.Error("sink never reached playing", "guildID", s.ID, "title", t.Title, "timeout", s.playTimeout)
		s.resetSink()
	}
	return err
}

// waitPlaying polls the sink until it reports playing, bounded by the
// session's play timeout. Returns ErrSuperseded as soon as a newer
// attempt or a fresh sink takes over.
func (s *Session) waitPlaying(ctx context.Context, snk Sink, token uint64) error {
	deadline := time.Now().Add(s.playTimeout)
	for time.Now().Before(deadline) {
		if snk.Status() == StatusPlaying {
			return nil
		}
		s.mu.Lock()
		stale := s.attempt != token || s.sink != snk
		s.mu.Unlock()
		if stale {
			return ErrSuperseded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return ErrPlaybackTimeout
}

// resetSink discards the current sink and binds a fresh one to the
// existing connection, leaving the session in a known-good state.
func (s *Session) resetSink() {
	s.mu.Lock()
	old := s.sink
	var snk Sink
	if s.conn != nil {
		snk = s.newSink(s.conn)
	}
	s.sink = snk
	s.mu.Unlock()

	if snk != nil {
		go s.pump(snk)
	}
	if old != nil {
		old.Close()
	}
}

// pump forwards sink lifecycle events into the transition handlers until
// the sink closes its event channel.
func (s *Session) pump(snk Sink) {
	for ev := range snk.Events() {
		if ev.Err != nil {
			s.HandleError(snk, ev.Err)
			continue
		}
		s.HandleStatusChange(snk, ev.Old, ev.New)
	}
}

// HandleError latches the failure; recovery is deferred to the idle
// transition that follows, because the sink reports the two separately.
func (s *Session) HandleError(snk Sink, err error) {
	s.mu.Lock()
	if snk != s.sink {
		s.mu.Unlock()
		return
	}
	s.errLatched = true
	s.mu.Unlock()

	slog.Error("sink reported playback error", "guildID", s.ID, "err", err)
	if s.notifier != nil {
		s.notifier.PlaybackError(err)
	}
}

// HandleStatusChange is the session's transition function. Events from
// sinks that have already been replaced are ignored.
func (s *Session) HandleStatusChange(snk Sink, old, next Status) {
	s.mu.Lock()
	if snk != s.sink {
		s.mu.Unlock()
		return
	}

	if next == StatusPlaying && old != StatusPlaying {
		occ, ch := s.occupancy, s.channelID
		s.mu.Unlock()
		if occ != nil && occ(ch) == 0 && snk.Pause() {
			slog.Info("paused: nobody left in the channel", "guildID", s.ID)
			if s.notifier != nil {
				s.notifier.AutoPaused()
			}
		}
		return
	}

	if next != StatusIdle || old == StatusIdle {
		s.mu.Unlock()
		return
	}

	// Idle entered from a non-idle state: either an error ran its course
	// or a track finished naturally.
	if s.errLatched {
		s.errLatched = false
		hard, ch := s.hardRecover, s.channelID
		s.mu.Unlock()

		s.resetSink()
		if hard && ch != "" {
			if err := s.Connect(ch); err != nil {
				slog.Warn("voice rejoin after error failed", "guildID", s.ID, "channelID", ch, "err", err)
			}
		}
		return
	}

	verbose, repeat := s.verbose, s.repeat
	s.mu.Unlock()

	// The queue may have been cleared while the track was finishing.
	cur := s.Queue.Current()
	if cur == nil {
		return
	}
	cur.IncPlayCount()
	s.Persist(context.Background())

	if !repeat {
		s.Queue.Advance(1)
	}
	go s.autoPlay(verbose, repeat)
}

// autoPlay starts the track under the cursor. Unresolvable tracks are
// skipped, bounded by one pass over the queue so a fully dead queue
// cannot spin.
func (s *Session) autoPlay(verbose, repeat bool) {
	for attempts := s.Queue.Len(); attempts > 0; attempts-- {
		t := s.Queue.Current()
		if t == nil {
			return
		}
		err := s.Play(context.Background(), t)
		if err == nil {
			if verbose && s.notifier != nil {
				s.notifier.NowPlaying(t)
			}
			return
		}
		if errors.Is(err, ErrSuperseded) {
			return
		}
		slog.Warn("auto-advance failed", "guildID", s.ID, "title", t.Title, "err", err)
		if s.notifier != nil {
			s.notifier.PlaybackError(err)
		}
		if !errors.Is(err, ErrSourceUnavailable) || repeat {
			return
		}
		s.Queue.Advance(1)
	}
}

// Persist writes the session snapshot through the store, if one is wired.
func (s *Session) Persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveSession(ctx, s); err != nil {
		slog.Warn("session save failed", "guildID", s.ID, "err", err)
	}
}

func (s *Session) Pause() bool {
	s.mu.Lock()
	snk := s.sink
	s.mu.Unlock()
	return snk != nil && snk.Pause()
}

func (s *Session) Unpause() bool {
	s.mu.Lock()
	snk := s.sink
	s.mu.Unlock()
	return snk != nil && snk.Unpause()
}

// Playing reports whether the sink is actively streaming.
func (s *Session) Playing() bool {
	return s.Status() == StatusPlaying
}

// Status reports the sink's state; idle when no sink is bound.
func (s *Session) Status() Status {
	s.mu.Lock()
	snk := s.sink
	s.mu.Unlock()
	if snk == nil {
		return StatusIdle
	}
	return snk.Status()
}

// Stop halts playback without touching the queue or the connection.
func (s *Session) Stop() {
	s.mu.Lock()
	snk := s.sink
	s.mu.Unlock()
	if snk != nil {
		snk.Stop()
	}
}

func (s *Session) ToggleRepeat() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repeat = !s.repeat
	return s.repeat
}

func (s *Session) Repeat() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repeat
}

func (s *Session) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// SetVolume rejects values outside [0, 1] and otherwise applies the new
// volume to the active sink immediately.
func (s *Session) SetVolume(v float64) error {
	if v < 0 || v > 1 {
		return ErrInvalidVolume
	}
	s.mu.Lock()
	s.volume = v
	snk := s.sink
	s.mu.Unlock()
	if snk != nil {
		snk.SetVolume(v)
	}
	return nil
}

func (s *Session) Verbose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verbose
}

// SetVerbose controls whether auto-advanced tracks are announced.
func (s *Session) SetVerbose(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verbose = v
}

func (s *Session) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

func (s *Session) SetLanguage(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.language = tag
}
