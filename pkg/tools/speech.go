package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tinyland-inc/parley/pkg/capability"
	"github.com/tinyland-inc/parley/pkg/utils"
)

// Synthesizer turns text into audio bytes. The OpenAI provider
// implements this.
type Synthesizer interface {
	Speak(ctx context.Context, text, model, voice string) ([]byte, error)
}

// SpeechTool renders text to an MP3 file in the workspace.
type SpeechTool struct {
	synth  Synthesizer
	model  string
	voice  string
	outDir string
}

func NewSpeechTool(synth Synthesizer, model, voice, outDir string) *SpeechTool {
	return &SpeechTool{synth: synth, model: model, voice: voice, outDir: outDir}
}

func (t *SpeechTool) Name() string { return "speech" }

func (t *SpeechTool) Catalog() []capability.Entry {
	return []capability.Entry{
		{
			Tool: "speech", Func: "speak",
			Description: "Synthesize text to speech audio",
			Tags:        []string{"speech", "audio", "voice"},
			Synonyms:    []string{"say", "speak", "tts", "read aloud"},
			SideEffect:  true,
		},
	}
}

func (t *SpeechTool) Execute(ctx context.Context, fn string, args map[string]any, tc ToolContext) *ToolResult {
	if fn != "speak" {
		return ErrorResult(fmt.Sprintf("speech: unknown function %q", fn))
	}
	text := strings.TrimSpace(stringArg(args, "text"))
	if text == "" {
		return ErrorResult("speech: missing text argument")
	}

	audio, err := t.synth.Speak(ctx, text, t.model, t.voice)
	if err != nil {
		return ErrorResult(fmt.Sprintf("speech: %v", err))
	}

	dir := t.outDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("speech: %v", err))
	}
	path := filepath.Join(dir, fmt.Sprintf("speech-%d.mp3", time.Now().UnixMilli()))
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("speech: %v", err))
	}

	return MarkdownResult(
		fmt.Sprintf("synthesized %q to %s", utils.Truncate(text, 80), path),
		fmt.Sprintf("Audio ready: `%s`", path),
	)
}
