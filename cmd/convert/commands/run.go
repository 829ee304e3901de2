package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/wav-stream-converter/internal/audio"
	"github.com/skypro1111/wav-stream-converter/internal/config"
	"github.com/skypro1111/wav-stream-converter/internal/sink"
	"github.com/skypro1111/wav-stream-converter/internal/storage"
	"github.com/skypro1111/wav-stream-converter/internal/stream"
	"github.com/skypro1111/wav-stream-converter/internal/transport"
)

var runOpts struct {
	output    string
	play      string
	serverURL string
	frameSize int
	progress  string
	profile   string
	storeDir  string
	quiet     bool
}

var runCmd = &cobra.Command{
	Use:   "run FILE",
	Short: "Convert a WAV file through the server",
	Long: `Stream FILE to the conversion server in fixed-size binary frames and
collect the transcoded output as it arrives.

By default the output is stored as an artifact named after the input
(song.wav -> song.m4a) in the configured storage backend. With --play the
output is piped into a player command instead, for example:

  convert run --play "ffplay -nodisp -autoexit -" song.wav

Ctrl-C aborts the conversion; a partially written artifact is discarded.`,
	Args: cobra.ExactArgs(1),
	RunE: runConvert,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runOpts.output, "output", "o", "", "artifact name (default: input name with the profile extension)")
	f.StringVar(&runOpts.play, "play", "", "pipe the output into this player command instead of storing it")
	f.StringVar(&runOpts.serverURL, "server-url", "", "override client.server_url")
	f.IntVar(&runOpts.frameSize, "frame-size", 0, "override client.frame_size in bytes")
	f.StringVar(&runOpts.progress, "progress", "", "override client.progress (source or sink)")
	f.StringVar(&runOpts.profile, "profile", "", "output profile the server uses (aac or flac), sets the artifact extension")
	f.StringVar(&runOpts.storeDir, "dir", "", "override storage.dir for the local backend")
	f.BoolVarP(&runOpts.quiet, "quiet", "q", false, "do not draw the progress line")
	rootCmd.AddCommand(runCmd)
}

func applyRunFlags(cfg *config.Config) error {
	if runOpts.serverURL != "" {
		cfg.Client.ServerURL = runOpts.serverURL
	}
	if runOpts.frameSize != 0 {
		cfg.Client.FrameSize = runOpts.frameSize
	}
	if runOpts.progress != "" {
		cfg.Client.Progress = runOpts.progress
	}
	if runOpts.profile != "" {
		cfg.Transcode.Profile = runOpts.profile
	}
	if runOpts.storeDir != "" {
		cfg.Storage.Dir = runOpts.storeDir
	}
	return cfg.Validate()
}

func runConvert(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyRunFlags(cfg); err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, cmd.ErrOrStderr())
	ctx := cmd.Context()

	input := args[0]
	name := runOpts.output
	if name == "" {
		name = artifactName(input, cfg.Transcode.Extension())
	}

	var (
		store  storage.FileStore
		player *sink.Player
	)
	if runOpts.play == "" {
		if store, err = storage.New(cfg.Storage); err != nil {
			return err
		}
	}

	manager, err := stream.NewManager(stream.Config{
		FrameSize:         cfg.Client.FrameSize,
		CloseAfterLast:    cfg.Client.CloseAfterLast,
		Progress:          cfg.Client.Progress,
		MaxQueuedSegments: cfg.Client.MaxQueuedSegments,
		OutputBitrate:     cfg.Client.OutputBitrate,
		NewChannel: func() transport.Channel {
			return transport.NewClient(cfg.Client.ServerURL, transport.Config{
				MaxPendingFrames: cfg.Client.MaxPendingFrames,
				HandshakeTimeout: cfg.Client.GetHandshakeTimeoutDuration(),
			}, logger)
		},
		NewSink: func(ctx context.Context, id string, info *audio.WAVInfo) (sink.Sink, error) {
			if runOpts.play != "" {
				p, err := sink.NewPlayer(ctx, runOpts.play, logger)
				player = p
				return p, err
			}
			return sink.NewArtifact(ctx, store, name, logger)
		},
	}, logger)
	if err != nil {
		return err
	}
	defer manager.Close()

	s := newStyles()
	out := cmd.ErrOrStderr()
	var line *progressLine
	req := stream.Request{Path: input}
	if !runOpts.quiet {
		line = newProgressLine(out, "converting")
		req.OnProgress = line.Update
	}

	started := time.Now()
	session, err := manager.Start(ctx, req)
	if err != nil {
		return err
	}

	// The session observes ctx itself; Ctrl-C ends it with context.Canceled
	err = session.Wait(context.Background())
	if line != nil {
		line.Finish()
	}
	if err == nil && player != nil {
		err = player.Wait()
	}

	info := session.Info()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(out, s.fail.Render("aborted"))
		} else {
			fmt.Fprintln(out, s.fail.Render("failed:"), err)
		}
		if code := transport.CloseCodeOf(err); code != transport.CodeAbnormal && code != transport.CodeNormal {
			fmt.Fprintln(out, s.dim.Render(fmt.Sprintf("server close code %d", code)))
		}
		return fmt.Errorf("conversion of %s failed: %w", input, err)
	}

	fmt.Fprintf(out, "%s %s %s\n",
		s.ok.Render("done"),
		info.Destination,
		s.dim.Render(fmt.Sprintf("(%s in %s, %d segments)",
			formatBytes(info.BytesReceived), time.Since(started).Round(time.Millisecond), info.SegmentsReceived)),
	)
	return nil
}

