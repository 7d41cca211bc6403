package playback

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

// execSpeaker runs a command that speaks its last argument, e.g. "say" or
// "espeak-ng". Cancelling ctx kills the command.
type execSpeaker struct {
	cmd   []string
	voice string
}

func NewExecSpeaker(command, voice string) (Speaker, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("playback command empty")
	}
	return &execSpeaker{cmd: args, voice: voice}, nil
}

func (e *execSpeaker) Speak(ctx context.Context, text string) error {
	args := append([]string{}, e.cmd[1:]...)
	args = append(args, text)
	command := exec.CommandContext(ctx, e.cmd[0], args...)
	if e.voice != "" {
		command.Env = append(command.Environ(), "LOQA_VOICE="+e.voice)
	}
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("playback command failed: %w: %s", err, stderr.String())
	}
	return nil
}
