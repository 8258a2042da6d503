// Package sink streams remote audio into a Discord voice connection:
// ffmpeg decodes the source to raw PCM, libopus packetizes it, and the
// packets are paced into the connection at the 20 ms frame rate.
package sink

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"musicstart/internal/playback"
)

const (
	readyTimeout = 5 * time.Second
	sendTimeout  = 200 * time.Millisecond
	stopTimeout  = 2 * time.Second
)

var errClosed = errors.New("sink closed")

// pipeline is one ffmpeg-to-opus streaming run. Cancelling its context
// kills ffmpeg, which unblocks the read loop.
type pipeline struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// VoiceSink implements playback.Sink on top of a discordgo voice
// connection. At most one pipeline streams at a time; Load replaces it.
type VoiceSink struct {
	vc *discordgo.VoiceConnection

	mu     sync.Mutex
	status playback.Status
	volume float64
	paused bool
	closed bool
	cur    *pipeline
	events chan playback.Event
}

func New(vc *discordgo.VoiceConnection) *VoiceSink {
	return &VoiceSink{
		vc:     vc,
		volume: 1,
		events: make(chan playback.Event, 16),
	}
}

func (k *VoiceSink) Events() <-chan playback.Event { return k.events }

func (k *VoiceSink) Status() playback.Status {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.status
}

func (k *VoiceSink) SetVolume(v float64) {
	k.mu.Lock()
	k.volume = v
	k.mu.Unlock()
}

// Load tears down the current pipeline and starts streaming mediaURL.
// The stream keeps running after ctx is done; ctx only bounds the setup.
func (k *VoiceSink) Load(ctx context.Context, mediaURL string, volume float64) error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return errClosed
	}
	prev := k.cur
	k.cur = nil
	k.mu.Unlock()
	k.drain(prev)

	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	proc, err := startPCM(pctx, mediaURL)
	if err != nil {
		cancel()
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	enc, err := newOpusEncoder()
	if err != nil {
		cancel()
		proc.Close()
		return err
	}

	p := &pipeline{ctx: pctx, cancel: cancel, done: make(chan struct{})}

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		cancel()
		proc.Close()
		enc.Close()
		return errClosed
	}
	k.cur = p
	k.volume = volume
	k.paused = false
	old := k.status
	k.status = playback.StatusBuffering
	if old != playback.StatusBuffering {
		k.emitLocked(playback.Event{Old: old, New: playback.StatusBuffering})
	}
	k.mu.Unlock()

	go k.run(p, proc, enc)
	return nil
}

// Pause suspends packet delivery. Returns false unless the sink was
// actively playing.
func (k *VoiceSink) Pause() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed || k.status != playback.StatusPlaying {
		return false
	}
	k.paused = true
	k.status = playback.StatusPaused
	k.emitLocked(playback.Event{Old: playback.StatusPlaying, New: playback.StatusPaused})
	return true
}

func (k *VoiceSink) Unpause() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed || k.status != playback.StatusPaused {
		return false
	}
	k.paused = false
	k.status = playback.StatusPlaying
	k.emitLocked(playback.Event{Old: playback.StatusPaused, New: playback.StatusPlaying})
	return true
}

// Stop kills the pipeline and goes idle without emitting a lifecycle
// event: a caller-driven stop must not look like a finished track.
func (k *VoiceSink) Stop() {
	k.mu.Lock()
	p := k.cur
	k.cur = nil
	k.paused = false
	k.status = playback.StatusIdle
	k.mu.Unlock()
	k.drain(p)
}

// Close releases the sink and closes the event channel. The pipeline is
// cancelled but not awaited.
func (k *VoiceSink) Close() {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	k.closed = true
	p := k.cur
	k.cur = nil
	close(k.events)
	k.mu.Unlock()

	if p != nil {
		p.cancel()
	}
}

// drain cancels a pipeline and waits briefly for its goroutine to exit so
// two runs never write to the voice connection at once.
func (k *VoiceSink) drain(p *pipeline) {
	if p == nil {
		return
	}
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(stopTimeout):
	}
}

// emitLocked requires k.mu held. Events are dropped rather than blocking
// the caller when the consumer falls behind.
func (k *VoiceSink) emitLocked(ev playback.Event) {
	if k.closed {
		return
	}
	select {
	case k.events <- ev:
	default:
	}
}

// transition moves to st on behalf of pipeline p, ignoring the call if p
// has already been replaced.
func (k *VoiceSink) transition(p *pipeline, st playback.Status) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed || k.cur != p || k.status == st {
		return
	}
	old := k.status
	k.status = st
	k.emitLocked(playback.Event{Old: old, New: st})
}

// finish ends pipeline p: a non-nil err is reported first, then the idle
// transition, as two separate events.
func (k *VoiceSink) finish(p *pipeline, err error) {
	k.mu.Lock()
	if k.closed || k.cur != p {
		k.mu.Unlock()
		return
	}
	k.cur = nil
	k.paused = false
	old := k.status
	k.status = playback.StatusIdle
	if err != nil {
		k.emitLocked(playback.Event{Err: err})
	}
	if old != playback.StatusIdle {
		k.emitLocked(playback.Event{Old: old, New: playback.StatusIdle})
	}
	k.mu.Unlock()

	_ = k.vc.Speaking(false)
}

// gate blocks while the sink is paused. Returns false once p is stale or
// cancelled.
func (k *VoiceSink) gate(p *pipeline) bool {
	for {
		if p.ctx.Err() != nil {
			return false
		}
		k.mu.Lock()
		stale := k.closed || k.cur != p
		paused := k.paused
		k.mu.Unlock()
		if stale {
			return false
		}
		if !paused {
			return true
		}
		select {
		case <-p.ctx.Done():
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (k *VoiceSink) currentVolume() float64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.volume
}

func (k *VoiceSink) run(p *pipeline, proc *pcmProcess, enc *opusEncoder) {
	defer close(p.done)
	defer enc.Close()
	defer proc.Close()

	if err := k.waitReady(p); err != nil {
		k.finish(p, err)
		return
	}

	reader := bufio.NewReaderSize(proc.Stdout(), 64*1024)
	buf := make([]byte, frameBytes)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	first := true
	for {
		if !k.gate(p) {
			return
		}
		if _, err := io.ReadFull(reader, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				if first {
					// ffmpeg produced nothing at all
					k.finish(p, fmt.Errorf("empty stream: %s", proc.Err()))
				} else {
					k.finish(p, nil)
				}
			} else {
				k.finish(p, fmt.Errorf("read pcm: %w", err))
			}
			return
		}
		if first {
			first = false
			_ = k.vc.Speaking(true)
			k.transition(p, playback.StatusPlaying)
		}

		applyGain(buf, k.currentVolume())
		err := enc.encode(buf, func(pkt []byte) error {
			out := make([]byte, len(pkt))
			copy(out, pkt)
			select {
			case <-ticker.C:
			case <-p.ctx.Done():
				return p.ctx.Err()
			}
			select {
			case k.vc.OpusSend <- out:
				return nil
			case <-p.ctx.Done():
				return p.ctx.Err()
			case <-time.After(sendTimeout):
				return errors.New("opus send timed out")
			}
		})
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			k.finish(p, err)
			return
		}
	}
}

// waitReady holds the pipeline until the voice websocket handshake has
// completed; discordgo flips Ready asynchronously after the join.
func (k *VoiceSink) waitReady(p *pipeline) error {
	deadline := time.Now().Add(readyTimeout)
	for time.Now().Before(deadline) {
		if k.vc != nil && k.vc.Ready {
			return nil
		}
		select {
		case <-p.ctx.Done():
			return p.ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return errors.New("voice connection not ready")
}

// applyGain scales interleaved s16le samples in place, clipping at the
// int16 bounds.
func applyGain(pcm []byte, gain float64) {
	if gain >= 0.999 && gain <= 1.001 {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) * gain
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(v)))
	}
}
