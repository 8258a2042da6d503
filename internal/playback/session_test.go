package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"musicstart/internal/track"
)

type fakeConn struct {
	channelID string
	mu        sync.Mutex
	released  int
}

func (c *fakeConn) ChannelID() string { return c.channelID }

func (c *fakeConn) Release() {
	c.mu.Lock()
	c.released++
	c.mu.Unlock()
}

func (c *fakeConn) releaseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

type fakeSink struct {
	mu     sync.Mutex
	status Status
	volume float64
	loads  []string
	closed bool
	events chan Event
}

func newFakeSink() *fakeSink {
	return &fakeSink{events: make(chan Event, 16)}
}

func (k *fakeSink) Load(_ context.Context, mediaURL string, volume float64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.loads = append(k.loads, mediaURL)
	k.volume = volume
	k.status = StatusPlaying
	return nil
}

func (k *fakeSink) Pause() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.status != StatusPlaying {
		return false
	}
	k.status = StatusPaused
	return true
}

func (k *fakeSink) Unpause() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.status != StatusPaused {
		return false
	}
	k.status = StatusPlaying
	return true
}

func (k *fakeSink) Stop() {
	k.mu.Lock()
	k.status = StatusIdle
	k.mu.Unlock()
}

func (k *fakeSink) Status() Status {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.status
}

func (k *fakeSink) SetVolume(v float64) {
	k.mu.Lock()
	k.volume = v
	k.mu.Unlock()
}

func (k *fakeSink) Events() <-chan Event { return k.events }

func (k *fakeSink) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.closed {
		k.closed = true
		close(k.events)
	}
}

func (k *fakeSink) loaded() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.loads...)
}

func (k *fakeSink) isClosed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closed
}

type fakeResolver struct {
	mu    sync.Mutex
	delay map[string]time.Duration
	fail  map[string]error
	live  map[string]bool
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		delay: map[string]time.Duration{},
		fail:  map[string]error{},
		live:  map[string]bool{},
	}
}

func (r *fakeResolver) Resolve(_ context.Context, ref string) (*Resolved, error) {
	r.mu.Lock()
	d, err, live := r.delay[ref], r.fail[ref], r.live[ref]
	r.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
	if err != nil {
		return nil, err
	}
	return &Resolved{
		URL:       ref,
		Title:     "title of " + ref,
		Likes:     5,
		ViewCount: 100,
		IsLive:    live,
		MediaURL:  "media:" + ref,
	}, nil
}

type fakeNotifier struct {
	mu         sync.Mutex
	nowPlaying []string
	errs       []error
	autoPaused int
}

func (n *fakeNotifier) NowPlaying(t *track.Track) {
	n.mu.Lock()
	n.nowPlaying = append(n.nowPlaying, t.URL)
	n.mu.Unlock()
}

func (n *fakeNotifier) PlaybackError(err error) {
	n.mu.Lock()
	n.errs = append(n.errs, err)
	n.mu.Unlock()
}

func (n *fakeNotifier) AutoPaused() {
	n.mu.Lock()
	n.autoPaused++
	n.mu.Unlock()
}

func (n *fakeNotifier) announced() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.nowPlaying...)
}

func (n *fakeNotifier) errorCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.errs)
}

func (n *fakeNotifier) autoPauseCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.autoPaused
}

type fakeStore struct {
	mu    sync.Mutex
	saves int
}

func (st *fakeStore) SaveSession(context.Context, *Session) error {
	st.mu.Lock()
	st.saves++
	st.mu.Unlock()
	return nil
}

func (st *fakeStore) saveCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.saves
}

// harness owns every collaborator fake and hands out sinks in creation
// order so tests can watch the session swap them.
type harness struct {
	mu        sync.Mutex
	sinks     []*fakeSink
	conns     []*fakeConn
	joins     []string
	joinErr   error
	occupants int

	resolver *fakeResolver
	notifier *fakeNotifier
	store    *fakeStore
}

func newHarness() *harness {
	return &harness{
		occupants: 2,
		resolver:  newFakeResolver(),
		notifier:  &fakeNotifier{},
		store:     &fakeStore{},
	}
}

func (h *harness) options() Options {
	return Options{
		GuildID: "guild-1",
		Joiner: func(channelID string) (Connection, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.joinErr != nil {
				return nil, h.joinErr
			}
			h.joins = append(h.joins, channelID)
			conn := &fakeConn{channelID: channelID}
			h.conns = append(h.conns, conn)
			return conn, nil
		},
		NewSink: func(Connection) Sink {
			k := newFakeSink()
			h.mu.Lock()
			h.sinks = append(h.sinks, k)
			h.mu.Unlock()
			return k
		},
		Resolver: h.resolver,
		Notifier: h.notifier,
		Store:    h.store,
		Occupancy: func(string) int {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.occupants
		},
		PlayTimeout: 2 * time.Second,
	}
}

func (h *harness) sink(i int) *fakeSink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sinks[i]
}

func (h *harness) sinkCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sinks)
}

func (h *harness) joinCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.joins)
}

func connectedSession(t *testing.T, h *harness) *Session {
	t.Helper()
	s := NewSession(h.options())
	if err := s.Connect("voice-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPlay(t *testing.T) {
	t.Run("NotConnected", func(t *testing.T) {
		h := newHarness()
		s := NewSession(h.options())
		err := s.Play(context.Background(), track.New("u1", "one", 0, 0))
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("err = %v, want ErrNotConnected", err)
		}
	})

	t.Run("StreamsResolvedMedia", func(t *testing.T) {
		h := newHarness()
		s := connectedSession(t, h)
		tr := track.New("u1", "one", track.CountUnknown, track.CountUnknown)
		if err := s.Play(context.Background(), tr); err != nil {
			t.Fatalf("Play: %v", err)
		}
		if got := h.sink(0).loaded(); len(got) != 1 || got[0] != "media:u1" {
			t.Fatalf("loads = %v, want [media:u1]", got)
		}
		if tr.Likes != 5 || tr.ViewCount != 100 {
			t.Fatalf("counts not refreshed: likes=%d views=%d", tr.Likes, tr.ViewCount)
		}
		if !s.Playing() {
			t.Fatal("session should report playing")
		}
	})

	t.Run("ResolverFailure", func(t *testing.T) {
		h := newHarness()
		h.resolver.fail["u1"] = errors.New("video gone")
		s := connectedSession(t, h)
		err := s.Play(context.Background(), track.New("u1", "one", 0, 0))
		if !errors.Is(err, ErrSourceUnavailable) {
			t.Fatalf("err = %v, want ErrSourceUnavailable", err)
		}
		if got := h.sink(0).loaded(); len(got) != 0 {
			t.Fatalf("sink loaded %v despite resolve failure", got)
		}
	})

	t.Run("RejectsLiveContent", func(t *testing.T) {
		h := newHarness()
		h.resolver.live["u1"] = true
		s := connectedSession(t, h)
		err := s.Play(context.Background(), track.New("u1", "one", 0, 0))
		if !errors.Is(err, ErrSourceUnavailable) {
			t.Fatalf("err = %v, want ErrSourceUnavailable", err)
		}
	})

	t.Run("LastWriterWins", func(t *testing.T) {
		h := newHarness()
		h.resolver.delay["slow"] = 150 * time.Millisecond
		s := connectedSession(t, h)

		slowErr := make(chan error, 1)
		go func() {
			slowErr <- s.Play(context.Background(), track.New("slow", "slow", 0, 0))
		}()
		time.Sleep(30 * time.Millisecond)

		if err := s.Play(context.Background(), track.New("fast", "fast", 0, 0)); err != nil {
			t.Fatalf("fast Play: %v", err)
		}
		if err := <-slowErr; !errors.Is(err, ErrSuperseded) {
			t.Fatalf("slow Play err = %v, want ErrSuperseded", err)
		}
		if got := h.sink(0).loaded(); len(got) != 1 || got[0] != "media:fast" {
			t.Fatalf("loads = %v, want only media:fast", got)
		}
	})
}

func TestAutoAdvance(t *testing.T) {
	seed := func(s *Session, urls ...string) []*track.Track {
		out := make([]*track.Track, 0, len(urls))
		for _, u := range urls {
			tr := track.New(u, "title of "+u, 0, 0)
			s.Queue.Add(tr)
			out = append(out, tr)
		}
		return out
	}

	t.Run("MovesToNextTrack", func(t *testing.T) {
		h := newHarness()
		s := connectedSession(t, h)
		tracks := seed(s, "a", "b", "c")

		s.HandleStatusChange(h.sink(0), StatusPlaying, StatusIdle)

		waitFor(t, "next track to start", func() bool {
			got := h.sink(0).loaded()
			return len(got) == 1 && got[0] == "media:b"
		})
		if got := tracks[0].PlayCount(); got != 1 {
			t.Fatalf("finished track play count = %d, want 1", got)
		}
		if got := s.Queue.Index(); got != 1 {
			t.Fatalf("cursor = %d, want 1", got)
		}
		if h.store.saveCount() == 0 {
			t.Fatal("finished track was not persisted")
		}
		waitFor(t, "now-playing announcement", func() bool {
			got := h.notifier.announced()
			return len(got) == 1 && got[0] == "b"
		})
	})

	t.Run("RepeatReplaysCurrent", func(t *testing.T) {
		h := newHarness()
		s := connectedSession(t, h)
		seed(s, "a", "b")
		s.ToggleRepeat()

		s.HandleStatusChange(h.sink(0), StatusPlaying, StatusIdle)

		waitFor(t, "current track to restart", func() bool {
			got := h.sink(0).loaded()
			return len(got) == 1 && got[0] == "media:a"
		})
		if got := s.Queue.Index(); got != 0 {
			t.Fatalf("cursor = %d, want 0", got)
		}
	})

	t.Run("VerboseOffStaysSilent", func(t *testing.T) {
		h := newHarness()
		s := connectedSession(t, h)
		seed(s, "a", "b")
		s.SetVerbose(false)

		s.HandleStatusChange(h.sink(0), StatusPlaying, StatusIdle)

		waitFor(t, "next track to start", func() bool {
			return len(h.sink(0).loaded()) == 1
		})
		time.Sleep(50 * time.Millisecond)
		if got := h.notifier.announced(); len(got) != 0 {
			t.Fatalf("announced %v with verbose off", got)
		}
	})

	t.Run("EmptyQueueIsNoop", func(t *testing.T) {
		h := newHarness()
		s := connectedSession(t, h)

		s.HandleStatusChange(h.sink(0), StatusPlaying, StatusIdle)

		time.Sleep(50 * time.Millisecond)
		if got := h.sink(0).loaded(); len(got) != 0 {
			t.Fatalf("sink loaded %v from an empty queue", got)
		}
	})

	t.Run("SkipsUnresolvableTrack", func(t *testing.T) {
		h := newHarness()
		h.resolver.fail["b"] = errors.New("video gone")
		s := connectedSession(t, h)
		seed(s, "a", "b", "c")

		s.HandleStatusChange(h.sink(0), StatusPlaying, StatusIdle)

		waitFor(t, "skip to the resolvable track", func() bool {
			got := h.sink(0).loaded()
			return len(got) == 1 && got[0] == "media:c"
		})
		if got := s.Queue.Index(); got != 2 {
			t.Fatalf("cursor = %d, want 2", got)
		}
		if got := h.notifier.errorCount(); got != 1 {
			t.Fatalf("error notifications = %d, want 1", got)
		}
	})

	t.Run("StaleSinkEventIgnored", func(t *testing.T) {
		h := newHarness()
		s := connectedSession(t, h)
		tracks := seed(s, "a", "b")

		stale := newFakeSink()
		s.HandleStatusChange(stale, StatusPlaying, StatusIdle)

		time.Sleep(50 * time.Millisecond)
		if got := s.Queue.Index(); got != 0 {
			t.Fatalf("cursor moved to %d on a stale event", got)
		}
		if got := tracks[0].PlayCount(); got != 0 {
			t.Fatalf("play count = %d on a stale event", got)
		}
	})
}

func TestErrorRecovery(t *testing.T) {
	t.Run("LatchSuppressesAdvance", func(t *testing.T) {
		h := newHarness()
		s := connectedSession(t, h)
		tr := track.New("a", "a", 0, 0)
		s.Queue.Add(tr)
		s.Queue.Add(track.New("b", "b", 0, 0))

		s.HandleError(h.sink(0), errors.New("stream torn down"))
		s.HandleStatusChange(h.sink(0), StatusPlaying, StatusIdle)

		waitFor(t, "sink replacement", func() bool { return h.sinkCount() == 2 })
		if !h.sink(0).isClosed() {
			t.Fatal("failed sink was not closed")
		}
		if got := s.Queue.Index(); got != 0 {
			t.Fatalf("cursor = %d, want 0 (no advance on error)", got)
		}
		if got := tr.PlayCount(); got != 0 {
			t.Fatalf("play count = %d, want 0 (no credit on error)", got)
		}
		if got := h.notifier.errorCount(); got != 1 {
			t.Fatalf("error notifications = %d, want 1", got)
		}
		time.Sleep(50 * time.Millisecond)
		if got := h.sink(1).loaded(); len(got) != 0 {
			t.Fatalf("fresh sink loaded %v, want nothing", got)
		}
	})

	t.Run("LatchClearsAfterRecovery", func(t *testing.T) {
		h := newHarness()
		s := connectedSession(t, h)
		s.Queue.Add(track.New("a", "a", 0, 0))
		s.Queue.Add(track.New("b", "b", 0, 0))

		s.HandleError(h.sink(0), errors.New("stream torn down"))
		s.HandleStatusChange(h.sink(0), StatusPlaying, StatusIdle)
		waitFor(t, "sink replacement", func() bool { return h.sinkCount() == 2 })

		// A natural finish on the fresh sink advances as usual.
		s.HandleStatusChange(h.sink(1), StatusPlaying, StatusIdle)
		waitFor(t, "advance after recovery", func() bool {
			got := h.sink(1).loaded()
			return len(got) == 1 && got[0] == "media:b"
		})
	})

	t.Run("HardRecoverRejoinsChannel", func(t *testing.T) {
		h := newHarness()
		opts := h.options()
		opts.HardRecover = true
		s := NewSession(opts)
		if err := s.Connect("voice-1"); err != nil {
			t.Fatalf("Connect: %v", err)
		}

		s.HandleError(h.sink(0), errors.New("stream torn down"))
		s.HandleStatusChange(h.sink(0), StatusPlaying, StatusIdle)

		waitFor(t, "voice rejoin", func() bool { return h.joinCount() == 2 })
	})

	t.Run("ErrorFromReplacedSinkIgnored", func(t *testing.T) {
		h := newHarness()
		s := connectedSession(t, h)
		s.Queue.Add(track.New("a", "a", 0, 0))
		s.Queue.Add(track.New("b", "b", 0, 0))

		stale := newFakeSink()
		s.HandleError(stale, errors.New("late failure"))

		// The latch must not be set: a natural finish still advances.
		s.HandleStatusChange(h.sink(0), StatusPlaying, StatusIdle)
		waitFor(t, "normal advance", func() bool {
			got := h.sink(0).loaded()
			return len(got) == 1 && got[0] == "media:b"
		})
		if got := h.notifier.errorCount(); got != 0 {
			t.Fatalf("error notifications = %d, want 0", got)
		}
	})
}

func TestAutoPause(t *testing.T) {
	t.Run("PausesWhenChannelEmpty", func(t *testing.T) {
		h := newHarness()
		h.occupants = 0
		s := connectedSession(t, h)
		if err := s.Play(context.Background(), track.New("a", "a", 0, 0)); err != nil {
			t.Fatalf("Play: %v", err)
		}

		s.HandleStatusChange(h.sink(0), StatusBuffering, StatusPlaying)

		if got := h.sink(0).Status(); got != StatusPaused {
			t.Fatalf("sink status = %v, want paused", got)
		}
		if got := h.notifier.autoPauseCount(); got != 1 {
			t.Fatalf("auto-pause notifications = %d, want 1", got)
		}
	})

	t.Run("KeepsPlayingWithListeners", func(t *testing.T) {
		h := newHarness()
		s := connectedSession(t, h)
		if err := s.Play(context.Background(), track.New("a", "a", 0, 0)); err != nil {
			t.Fatalf("Play: %v", err)
		}

		s.HandleStatusChange(h.sink(0), StatusBuffering, StatusPlaying)

		if got := h.sink(0).Status(); got != StatusPlaying {
			t.Fatalf("sink status = %v, want playing", got)
		}
	})
}

func TestVolume(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		h := newHarness()
		s := NewSession(h.options())
		if got := s.Volume(); got != DefaultVolume {
			t.Fatalf("volume = %v, want %v", got, DefaultVolume)
		}
	})

	t.Run("RejectsOutOfRange", func(t *testing.T) {
		h := newHarness()
		s := NewSession(h.options())
		for _, v := range []float64{-0.1, 1.5} {
			if err := s.SetVolume(v); !errors.Is(err, ErrInvalidVolume) {
				t.Fatalf("SetVolume(%v) = %v, want ErrInvalidVolume", v, err)
			}
		}
		if got := s.Volume(); got != DefaultVolume {
			t.Fatalf("volume = %v, want unchanged %v", got, DefaultVolume)
		}
	})

	t.Run("AppliesToLiveSink", func(t *testing.T) {
		h := newHarness()
		s := connectedSession(t, h)
		if err := s.SetVolume(0.25); err != nil {
			t.Fatalf("SetVolume: %v", err)
		}
		k := h.sink(0)
		k.mu.Lock()
		got := k.volume
		k.mu.Unlock()
		if got != 0.25 {
			t.Fatalf("sink volume = %v, want 0.25", got)
		}
	})
}

func TestDisconnect(t *testing.T) {
	h := newHarness()
	s := connectedSession(t, h)
	s.Queue.Add(track.New("a", "a", 0, 0))

	s.Disconnect()

	if s.Connected() {
		t.Fatal("still connected after Disconnect")
	}
	if !h.sink(0).isClosed() {
		t.Fatal("sink not closed on Disconnect")
	}
	if got := h.conns[0].releaseCount(); got != 1 {
		t.Fatalf("connection released %d times, want 1", got)
	}
	if s.Queue.Len() != 1 {
		t.Fatal("queue should survive a disconnect")
	}
	if err := s.Play(context.Background(), track.New("a", "a", 0, 0)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Play after Disconnect = %v, want ErrNotConnected", err)
	}
}

func TestSessionStore(t *testing.T) {
	st := NewSessionStore(func(guildID string) *Session {
		h := newHarness()
		opts := h.options()
		opts.GuildID = guildID
		return NewSession(opts)
	})

	t.Run("CreatesOncePerGuild", func(t *testing.T) {
		a := st.GetOrCreate("g1")
		if a == nil || a.ID != "g1" {
			t.Fatalf("unexpected session %+v", a)
		}
		if b := st.GetOrCreate("g1"); b != a {
			t.Fatal("second GetOrCreate returned a different session")
		}
	})

	t.Run("PeekDoesNotCreate", func(t *testing.T) {
		if got := st.Peek("missing"); got != nil {
			t.Fatalf("Peek created %v", got)
		}
	})

	t.Run("AllListsEverySession", func(t *testing.T) {
		st.GetOrCreate("g2")
		if got := len(st.All()); got != 2 {
			t.Fatalf("All() = %d sessions, want 2", got)
		}
	})
}
