package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"github.com/skypro1111/wav-stream-converter/internal/config"
)

// ErrTranscoder marks a transcoder process that failed to start or exited
// with an error.
var ErrTranscoder = errors.New("transcode: transcoder failed")

// Process is one running transcoder. Stdout must be drained to EOF before
// Wait is called.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Wait() error
}

// Transcoder starts a Process per conversion. The process is killed when
// ctx ends.
type Transcoder interface {
	Start(ctx context.Context) (Process, error)
	Name() string
}

// FFmpeg transcodes WAV on stdin to fragmented MP4/AAC or FLAC on stdout
type FFmpeg struct {
	cfg    config.TranscodeConfig
	logger *slog.Logger
}

// NewFFmpeg creates an ffmpeg transcoder for cfg.Profile
func NewFFmpeg(cfg config.TranscodeConfig, logger *slog.Logger) *FFmpeg {
	return &FFmpeg{cfg: cfg, logger: logger}
}

// Name returns the profile name
func (f *FFmpeg) Name() string {
	return "ffmpeg/" + f.cfg.Profile
}

// Args returns the ffmpeg command line for the configured profile
func (f *FFmpeg) Args() []string {
	args := []string{"-hide_banner", "-loglevel", "warning", "-f", "wav", "-i", "pipe:0"}
	switch f.cfg.Profile {
	case "flac":
		args = append(args, "-f", "flac", "-compression_level", "8")
	default:
		// Fragmented MP4 can be played while it is still being written
		args = append(args,
			"-c:a", "aac",
			"-b:a", f.cfg.Bitrate,
			"-f", "mp4",
			"-movflags", "frag_keyframe+empty_moov+default_base_moof",
			"-frag_duration", strconv.FormatInt(f.cfg.GetFragmentDuration().Microseconds(), 10),
			"-muxdelay", "0.001",
		)
	}
	return append(args, "pipe:1")
}

// Start launches ffmpeg
func (f *FFmpeg) Start(ctx context.Context) (Process, error) {
	cmd := exec.CommandContext(ctx, f.cfg.FFmpegPath, f.Args()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrTranscoder, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrTranscoder, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrTranscoder, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrTranscoder, f.cfg.FFmpegPath, err)
	}

	p := &ffmpegProcess{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		stderrDone: make(chan struct{}),
	}
	go func() {
		defer close(p.stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			f.logger.Debug("ffmpeg", slog.String("stderr", scanner.Text()))
		}
	}()

	f.logger.Debug("Transcoder started",
		slog.String("profile", f.cfg.Profile),
		slog.Int("pid", cmd.Process.Pid),
	)
	return p, nil
}

type ffmpegProcess struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     io.Reader
	stderrDone chan struct{}
}

func (p *ffmpegProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *ffmpegProcess) Stdout() io.Reader     { return p.stdout }

func (p *ffmpegProcess) Wait() error {
	<-p.stderrDone
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("%w: %v", ErrTranscoder, err)
	}
	return nil
}

// Func adapts an in-process function into a Transcoder. fn reads the input
// until EOF and writes the output; its error is the process exit status.
type Func struct {
	Label string
	Fn    func(ctx context.Context, in io.Reader, out io.Writer) error
}

// Name returns the label
func (f Func) Name() string {
	return f.Label
}

// Start runs Fn on its own goroutine
func (f Func) Start(ctx context.Context) (Process, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	p := &funcProcess{stdin: inW, stdout: outR, done: make(chan struct{})}

	go func() {
		defer close(p.done)
		err := f.Fn(ctx, inR, outW)
		// Unblock a writer still feeding a function that quit early
		inR.CloseWithError(io.ErrClosedPipe)
		outW.CloseWithError(err)
		if err != nil {
			p.err = fmt.Errorf("%w: %v", ErrTranscoder, err)
		}
	}()
	stop := context.AfterFunc(ctx, func() {
		inR.CloseWithError(ctx.Err())
		outW.CloseWithError(ctx.Err())
	})
	p.stop = stop
	return p, nil
}

type funcProcess struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	done   chan struct{}
	err    error
	stop   func() bool
	once   sync.Once
}

func (p *funcProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *funcProcess) Stdout() io.Reader     { return p.stdout }

func (p *funcProcess) Wait() error {
	<-p.done
	p.once.Do(func() { p.stop() })
	return p.err
}

var (
	_ Transcoder = (*FFmpeg)(nil)
	_ Transcoder = Func{}
)
