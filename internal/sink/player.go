package sink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
)

// Pipe streams segments into a writer, typically a player's stdin. End of
// stream closes the writer so the consumer can finish decoding.
type Pipe struct {
	*worker

	w        io.WriteCloser
	name     string
	finished atomic.Bool
}

// NewPipe wraps w; name describes it in logs
func NewPipe(w io.WriteCloser, name string) *Pipe {
	return &Pipe{worker: newWorker(w), w: w, name: name}
}

// Start launches the write worker
func (p *Pipe) Start(notify Notify) {
	p.start(notify)
}

// Append queues frame for writing
func (p *Pipe) Append(frame []byte) error {
	return p.submit(frame)
}

// EndOfStream closes the writer after the last write
func (p *Pipe) EndOfStream() error {
	if !p.finished.CompareAndSwap(false, true) {
		return ErrDetached
	}
	p.stop()
	if err := p.w.Close(); err != nil {
		return fmt.Errorf("close %s: %w", p.name, err)
	}
	return nil
}

// Detach closes the writer without waiting for the consumer
func (p *Pipe) Detach() {
	if !p.finished.CompareAndSwap(false, true) {
		return
	}
	p.w.Close()
	p.stop()
}

// Written returns the bytes written so far
func (p *Pipe) Written() int64 {
	return p.bytesWritten()
}

// Describe returns the pipe name
func (p *Pipe) Describe() string {
	return p.name
}

// Player runs a playback command and pipes segments into its stdin
type Player struct {
	*Pipe

	cmd    *exec.Cmd
	logger *slog.Logger

	stderrDone chan struct{}
	waitOnce   sync.Once
	waitErr    error
	killed     atomic.Bool
}

// NewPlayer starts commandLine (split on whitespace), for example
// "ffplay -nodisp -autoexit -". The process is killed when ctx ends.
func NewPlayer(ctx context.Context, commandLine string, logger *slog.Logger) (*Player, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, errors.New("player: empty command")
	}

	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("player stdin: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("player stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start player %s: %w", fields[0], err)
	}

	p := &Player{
		Pipe:       NewPipe(stdin, fields[0]),
		cmd:        cmd,
		logger:     logger,
		stderrDone: make(chan struct{}),
	}
	go p.forwardStderr(stderr)

	logger.Debug("Player started",
		slog.String("command", commandLine),
		slog.Int("pid", cmd.Process.Pid),
	)
	return p, nil
}

func (p *Player) forwardStderr(r io.Reader) {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Debug("player", slog.String("stderr", scanner.Text()))
	}
}

// Detach closes stdin and kills the player
func (p *Player) Detach() {
	p.Pipe.Detach()
	if p.killed.CompareAndSwap(false, true) {
		p.cmd.Process.Kill()
	}
}

// Wait blocks until the player exits. A player killed by Detach is not
// reported as an error.
func (p *Player) Wait() error {
	p.waitOnce.Do(func() {
		<-p.stderrDone
		err := p.cmd.Wait()
		if err != nil && !p.killed.Load() {
			p.waitErr = fmt.Errorf("player exited: %w", err)
		}
	})
	return p.waitErr
}

var (
	_ Sink = (*Pipe)(nil)
	_ Sink = (*Player)(nil)
)
