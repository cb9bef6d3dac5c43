package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// DefaultPlayerCommand reads MP3 from stdin and plays it without a window.
const DefaultPlayerCommand = "ffplay -nodisp -autoexit -loglevel quiet -"

// Player plays encoded audio and returns when playback ends or ctx is done.
type Player interface {
	Play(ctx context.Context, audio []byte) error
}

// CommandPlayer pipes audio into an external command.
type CommandPlayer struct {
	Command string
}

// Play runs the command with audio on stdin. Cancelling ctx kills the process.
func (p CommandPlayer) Play(ctx context.Context, audio []byte) error {
	args := playerArgs(p.Command)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = bytes.NewReader(audio)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return fmt.Errorf("player %s exited %d: %s", args[0], ee.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return fmt.Errorf("player %s: %w", args[0], err)
	}
	return nil
}

// playerArgs splits cmdline, using DefaultPlayerCommand when it holds no
// words.
func playerArgs(cmdline string) []string {
	if args := strings.Fields(cmdline); len(args) > 0 {
		return args
	}
	return strings.Fields(DefaultPlayerCommand)
}
