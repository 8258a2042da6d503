package sink

import (
	"fmt"

	"github.com/asticode/go-astiav"
)

const (
	sampleRate = 48000
	channels   = 2
	frameSize  = 960 // samples per channel for 20 ms at 48 kHz
	frameBytes = frameSize * channels * 2
)

type opusPacketFunc func(pkt []byte) error

// opusEncoder wraps a libopus codec context configured for Discord voice:
// 48 kHz stereo s16 input, 20 ms frames, ~160 kbps.
type opusEncoder struct {
	cc     *astiav.CodecContext
	frame  *astiav.Frame
	packet *astiav.Packet
}

func newOpusEncoder() (*opusEncoder, error) {
	codec := astiav.FindEncoderByName("libopus")
	if codec == nil {
		return nil, fmt.Errorf("libopus encoder not found (check ffmpeg installation)")
	}

	cc := astiav.AllocCodecContext(codec)
	if cc == nil {
		return nil, fmt.Errorf("failed to allocate codec context for libopus")
	}
	cc.SetSampleRate(sampleRate)
	cc.SetChannelLayout(astiav.ChannelLayoutStereo)
	cc.SetSampleFormat(astiav.SampleFormatS16)
	cc.SetBitRate(160_000)

	opts := astiav.NewDictionary()
	defer opts.Free()
	_ = opts.Set("frame_duration", "20", 0)
	_ = opts.Set("application", "audio", 0)

	if err := cc.Open(codec, opts); err != nil {
		cc.Free()
		return nil, fmt.Errorf("failed to open opus encoder: %w", err)
	}

	frame := astiav.AllocFrame()
	if frame == nil {
		cc.Free()
		return nil, fmt.Errorf("failed to allocate audio frame")
	}
	frame.SetSampleRate(sampleRate)
	frame.SetChannelLayout(astiav.ChannelLayoutStereo)
	frame.SetSampleFormat(astiav.SampleFormatS16)
	frame.SetNbSamples(frameSize)
	if err := frame.AllocBuffer(0); err != nil {
		frame.Free()
		cc.Free()
		return nil, fmt.Errorf("failed to allocate frame buffer: %w", err)
	}

	pkt := astiav.AllocPacket()
	if pkt == nil {
		frame.Free()
		cc.Free()
		return nil, fmt.Errorf("failed to allocate packet")
	}

	return &opusEncoder{cc: cc, frame: frame, packet: pkt}, nil
}

func (e *opusEncoder) Close() {
	if e.packet != nil {
		e.packet.Free()
	}
	if e.frame != nil {
		e.frame.Free()
	}
	if e.cc != nil {
		e.cc.Free()
	}
}

// encode expects exactly one 20 ms frame of interleaved s16le PCM
// (frameBytes bytes) and hands every produced Opus packet to onPacket.
func (e *opusEncoder) encode(pcm []byte, onPacket opusPacketFunc) error {
	if len(pcm) != frameBytes {
		return fmt.Errorf("invalid PCM frame size: expected %d bytes, got %d", frameBytes, len(pcm))
	}

	if err := e.frame.Data().SetBytes(pcm, 0); err != nil {
		return fmt.Errorf("failed to set frame data: %w", err)
	}
	if err := e.cc.SendFrame(e.frame); err != nil {
		return fmt.Errorf("failed to send frame to encoder: %w", err)
	}

	for {
		e.packet.Unref()
		if err := e.cc.ReceivePacket(e.packet); err != nil {
			if astErr, ok := err.(astiav.Error); ok && (astErr.Is(astiav.ErrEagain) || astErr.Is(astiav.ErrEof)) {
				break
			}
			return fmt.Errorf("failed to receive opus packet: %w", err)
		}
		if err := onPacket(e.packet.Data()); err != nil {
			return err
		}
	}
	return nil
}
