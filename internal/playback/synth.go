package playback

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/mattn/go-shellwords"
)

// synthSpeaker pipes text through a synthesizer command that streams 16-bit
// PCM as JSON lines, writes the audio to a temporary WAV file and hands it to
// a player command. The WAV is removed once playback returns.
type synthSpeaker struct {
	synth      []string
	player     []string
	voice      string
	sampleRate int
	channels   int
	logger     *slog.Logger
}

type synthRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type synthChunk struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewSynthSpeaker(cfg config.PlaybackConfig, logger *slog.Logger) (Speaker, error) {
	parser := shellwords.NewParser()
	synth, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse synth command: %w", err)
	}
	if len(synth) == 0 {
		return nil, fmt.Errorf("synth command empty")
	}
	player, err := parser.Parse(cfg.PlayerCommand)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(player) == 0 {
		return nil, fmt.Errorf("player command empty")
	}
	return &synthSpeaker{
		synth:      synth,
		player:     player,
		voice:      cfg.Voice,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		logger:     logger.With(slog.String("component", "synth-speaker")),
	}, nil
}

func (s *synthSpeaker) Speak(ctx context.Context, text string) error {
	pcm, err := s.synthesize(ctx, text)
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		return nil
	}

	file, err := os.CreateTemp("", "loqa_tts_*.wav")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	if err := writePCMToWav(file, pcm, s.sampleRate, s.channels); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close wav: %w", err)
	}

	args := append([]string{}, s.player[1:]...)
	args = append(args, file.Name())
	command := exec.CommandContext(ctx, s.player[0], args...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("player command failed: %w: %s", err, stderr.String())
	}
	return nil
}

func (s *synthSpeaker) synthesize(ctx context.Context, text string) ([]byte, error) {
	payload, err := json.Marshal(synthRequest{
		Text:       text,
		Voice:      s.voice,
		SampleRate: s.sampleRate,
		Channels:   s.channels,
	})
	if err != nil {
		return nil, err
	}

	command := exec.CommandContext(ctx, s.synth[0], s.synth[1:]...)
	command.Stdin = bytes.NewReader(payload)
	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("start synth command: %w", err)
	}

	pcm, decodeErr := decodeChunks(stdout)
	if decodeErr != nil {
		// drain so Wait does not block on a full pipe
		_, _ = io.Copy(io.Discard, stdout)
	}
	if err := command.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("synth command failed: %w: %s", err, stderr.String())
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return pcm, nil
}

func decodeChunks(r io.Reader) ([]byte, error) {
	var pcm []byte
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk synthChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, fmt.Errorf("decode synth chunk: %w", err)
		}
		data, err := base64.StdEncoding.DecodeString(chunk.PCMBase64)
		if err != nil {
			return nil, fmt.Errorf("decode synth pcm: %w", err)
		}
		pcm = append(pcm, data...)
		if chunk.Final {
			break
		}
	}
	return pcm, scanner.Err()
}

func writePCMToWav(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
