package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-listener/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer shells out to an external decoder once per call. The command
// receives a 16-bit mono WAV and must print {"text": "..."} on stdout.
type execRecognizer struct {
	cmd []string
	cfg config.STTConfig
	mu  sync.Mutex
}

type execResult struct {
	Text string `json:"text"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Decode(ctx context.Context, pcm []float32, opts DecodeOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "listen_stt_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writeWav(file, pcm); err != nil {
		return "", err
	}

	command := exec.CommandContext(ctx, r.cmd[0], r.args(file.Name(), opts)...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode stt response: %w", err)
	}
	return cleanTranscript(resp.Text, opts.SuppressNonSpeech), nil
}

func (r *execRecognizer) args(audioPath string, opts DecodeOptions) []string {
	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", audioPath)
	if r.cfg.ModelPath != "" {
		args = append(args, "--model", r.cfg.ModelPath)
	}
	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}
	if opts.SingleSegment {
		args = append(args, "--single-segment")
	}
	if opts.SuppressNonSpeech {
		args = append(args, "--suppress-non-speech")
	}
	if opts.InitialPrompt != "" {
		args = append(args, "--prompt", opts.InitialPrompt)
	}
	return args
}

// writeWav encodes float samples in [-1, 1] as 16-bit PCM.
func writeWav(w io.WriteSeeker, pcm []float32) error {
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: SampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(pcm)),
	}
	for i, s := range pcm {
		v := math.Max(-1, math.Min(1, float64(s)))
		buffer.Data[i] = int(math.Round(v * math.MaxInt16))
	}

	enc := wav.NewEncoder(w, SampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
