// Package azure provides the Azure speech upstream.
//
// Without a key and region the transcriber returns a fixed mock result so the
// batch path works in development.
package azure

import (
	"context"

	"realtime-transcription-service/internal/models"
)

const (
	MockText   = "transcribed text (mock)"
	ResultText = "[azure transcription result]"
)

// Config holds Azure Speech credentials.
type Config struct {
	Key      string
	Region   string
	Language string
}

// Transcriber implements stt.Transcriber for Azure.
type Transcriber struct {
	cfg Config
}

// New creates an Azure transcriber.
func New(cfg Config) *Transcriber {
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	return &Transcriber{cfg: cfg}
}

// WithLanguage returns a copy of t that transcribes in language.
func (t *Transcriber) WithLanguage(language string) *Transcriber {
	cfg := t.cfg
	if language != "" {
		cfg.Language = language
	}
	return &Transcriber{cfg: cfg}
}

// Language returns the recognition language.
func (t *Transcriber) Language() string { return t.cfg.Language }

// Configured reports whether real credentials are present.
func (t *Transcriber) Configured() bool {
	return t.cfg.Key != "" && t.cfg.Region != ""
}

func (t *Transcriber) Source() models.Source { return models.SourceAzure }

func (t *Transcriber) Transcribe(ctx context.Context, audioURL string, audio []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !t.Configured() {
		return MockText, nil
	}
	// TODO: POST audio to the regional short-audio REST endpoint with the
	// Ocp-Apim-Subscription-Key header and return DisplayText.
	return ResultText, nil
}
