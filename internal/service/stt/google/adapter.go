// Package google provides a Google Cloud Speech-to-Text batch transcriber.
package google

import (
	"context"
	"errors"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/googleapis/gax-go/v2"

	"realtime-transcription-service/internal/models"
)

// ErrNoTranscript is returned when Google recognizes no speech in the audio.
var ErrNoTranscript = errors.New("google stt returned no transcript")

// Config holds recognition settings.
type Config struct {
	LanguageCode  string
	SampleRateHz  int32
	AudioEncoding string
}

// DefaultConfig returns settings for 8kHz LINEAR16 English audio.
func DefaultConfig() Config {
	return Config{
		LanguageCode:  "en-US",
		SampleRateHz:  8000,
		AudioEncoding: "LINEAR16",
	}
}

// recognizer is the subset of *speech.Client used here.
type recognizer interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest, opts ...gax.CallOption) (*speechpb.RecognizeResponse, error)
	Close() error
}

// Adapter implements stt.Transcriber using Google Cloud Speech-to-Text.
type Adapter struct {
	client recognizer
	cfg    Config
}

// New creates a new Google STT adapter.
// Requires GOOGLE_APPLICATION_CREDENTIALS environment variable to be set.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &Adapter{client: c, cfg: cfg}, nil
}

func (a *Adapter) Source() models.Source { return models.SourceGoogle }

// Transcribe sends the downloaded audio inline and joins the top alternative
// of every result.
func (a *Adapter) Transcribe(ctx context.Context, audioURL string, audio []byte) (string, error) {
	resp, err := a.client.Recognize(ctx, a.request(audio))
	if err != nil {
		return "", err
	}

	var parts []string
	for _, r := range resp.GetResults() {
		if len(r.GetAlternatives()) == 0 {
			continue
		}
		if t := strings.TrimSpace(r.GetAlternatives()[0].GetTranscript()); t != "" {
			parts = append(parts, t)
		}
	}
	if len(parts) == 0 {
		return "", ErrNoTranscript
	}
	return strings.Join(parts, " "), nil
}

func (a *Adapter) request(audio []byte) *speechpb.RecognizeRequest {
	return &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:        parseAudioEncoding(a.cfg.AudioEncoding),
			SampleRateHertz: a.cfg.SampleRateHz,
			LanguageCode:    a.cfg.LanguageCode,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	}
}

// Close releases the underlying gRPC connection.
func (a *Adapter) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

// parseAudioEncoding maps an upper-case encoding name to the proto enum,
// falling back to LINEAR16.
func parseAudioEncoding(name string) speechpb.RecognitionConfig_AudioEncoding {
	v, ok := speechpb.RecognitionConfig_AudioEncoding_value[name]
	if !ok || v == int32(speechpb.RecognitionConfig_ENCODING_UNSPECIFIED) {
		return speechpb.RecognitionConfig_LINEAR16
	}
	return speechpb.RecognitionConfig_AudioEncoding(v)
}
