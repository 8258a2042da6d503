package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
)

// pcmProcess is one ffmpeg invocation decoding a remote stream to raw
// interleaved s16le PCM at 48 kHz stereo on stdout.
type pcmProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer
}

func startPCM(ctx context.Context, inputURL string) (*pcmProcess, error) {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-reconnect", "1", "-reconnect_streamed", "1", "-reconnect_delay_max", "5",
		"-i", inputURL,
		"-vn",
		"-ac", "2",
		"-ar", "48000",
		"-f", "s16le",
		"pipe:1",
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg start: %w (stderr: %s)", err, stderr.String())
	}

	return &pcmProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func (p *pcmProcess) Stdout() io.Reader { return p.stdout }

// Err surfaces whatever ffmpeg wrote to stderr, for error reporting after
// a short read.
func (p *pcmProcess) Err() string { return p.stderr.String() }

func (p *pcmProcess) Close() {
	_ = p.cmd.Process.Kill()
	_ = p.cmd.Wait()
}
