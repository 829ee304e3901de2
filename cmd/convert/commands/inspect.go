package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/wav-stream-converter/internal/audio"
)

var inspectFrameSize int

var inspectCmd = &cobra.Command{
	Use:   "inspect FILE",
	Short: "Print the WAV header of a file",
	Long: `Validate a WAV file and print its format, the way the converter sees it
before streaming. Also shows how many frames a run would send.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().IntVar(&inspectFrameSize, "frame-size", audio.FrameSize64KB, "frame size used for the frame count")
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	info, err := audio.ReadInfo(f, st.Size())
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	if inspectFrameSize <= 0 {
		return fmt.Errorf("frame size must be positive, got %d", inspectFrameSize)
	}

	printInfo(cmd.OutOrStdout(), args[0], st.Size(), info, inspectFrameSize)
	return nil
}

func printInfo(w io.Writer, name string, size int64, info *audio.WAVInfo, frameSize int) {
	s := newStyles()
	row := func(label, value string) {
		fmt.Fprintf(w, "%s %s\n", s.label.Render(fmt.Sprintf("%-12s", label)), value)
	}

	fmt.Fprintln(w, s.title.Render(name))
	row("format", formatName(info.AudioFormat))
	row("channels", fmt.Sprint(info.Channels))
	row("sample rate", fmt.Sprintf("%d Hz", info.SampleRate))
	row("bit depth", fmt.Sprintf("%d bit", info.BitsPerSample))
	row("byte rate", fmt.Sprintf("%d B/s", info.ByteRate))
	row("duration", info.Duration.Round(time.Millisecond).String())
	row("data", fmt.Sprintf("%s at offset %d", formatBytes(info.DataSize), info.DataOffset))
	row("file size", formatBytes(size))
	row("frames", fmt.Sprintf("%d x %s", audio.FrameCount(size, frameSize), formatBytes(int64(frameSize))))
}

func formatName(code uint16) string {
	switch code {
	case 1:
		return "PCM"
	case 3:
		return "IEEE float"
	case 6:
		return "A-law"
	case 7:
		return "mu-law"
	case 0xFFFE:
		return "extensible"
	default:
		return fmt.Sprintf("0x%04x", code)
	}
}
