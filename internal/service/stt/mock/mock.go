// Package mock provides deterministic STT upstreams for local use and tests.
// The vocabulary token source models incremental ASR output: chunk i yields
// vocabulary[i mod len(vocabulary)].
package mock

import (
	"context"

	"realtime-transcription-service/internal/models"
)

// DefaultVocabulary is cycled through by realtime sessions.
var DefaultVocabulary = Vocabulary{
	"hello",
	"this",
	"is",
	"a",
	"realtime",
	"transcription",
	"demo",
}

// Vocabulary is a repeating token sequence.
type Vocabulary []string

// Token returns the word for the given chunk index.
func (v Vocabulary) Token(index int) string {
	if len(v) == 0 {
		return ""
	}
	if index < 0 {
		index = -index
	}
	return v[index%len(v)]
}

// LocalText is what the local transcriber returns for every file.
const LocalText = "transcribed text"

// Transcriber is the local upstream. It never fails.
type Transcriber struct{}

// NewTranscriber creates the local mock transcriber.
func NewTranscriber() *Transcriber {
	return &Transcriber{}
}

func (t *Transcriber) Source() models.Source { return models.SourceLocal }

func (t *Transcriber) Transcribe(ctx context.Context, audioURL string, audio []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return LocalText, nil
}
