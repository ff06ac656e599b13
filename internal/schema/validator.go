// Package schema validates audio references and transcription inputs.
package schema

import (
	"regexp"
	"strings"
)

var audioURLPattern = regexp.MustCompile(`^https?://.+`)

// Validation messages returned to API callers.
const (
	MsgAudioURLRequired = "Audio URL is required"
	MsgAudioURLInvalid  = "Please provide a valid audio URL"
	MsgTextRequired     = "Transcription text is required"
)

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidateAudioURL checks that ref is a non-empty http(s) URL.
// Surrounding whitespace is ignored; the trimmed value is returned.
func ValidateAudioURL(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", &ValidationError{Field: "audioUrl", Message: MsgAudioURLRequired}
	}
	if !audioURLPattern.MatchString(ref) {
		return "", &ValidationError{Field: "audioUrl", Message: MsgAudioURLInvalid}
	}
	return ref, nil
}

// ValidateText checks that produced transcription text is non-empty.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return &ValidationError{Field: "transcription", Message: MsgTextRequired}
	}
	return nil
}

// TranscriptionRequest is the body accepted by the batch endpoints.
type TranscriptionRequest struct {
	AudioURL string `json:"audioUrl"`
	Language string `json:"language,omitempty"`
}

// Validator normalizes and validates batch requests.
type Validator struct {
	defaultLanguage string
}

// New creates a Validator that fills in defaultLanguage when a request omits it.
func New(defaultLanguage string) *Validator {
	if defaultLanguage == "" {
		defaultLanguage = "en-US"
	}
	return &Validator{defaultLanguage: defaultLanguage}
}

// Validate returns the normalized request or a *ValidationError.
func (v *Validator) Validate(req TranscriptionRequest) (TranscriptionRequest, error) {
	ref, err := ValidateAudioURL(req.AudioURL)
	if err != nil {
		return req, err
	}
	req.AudioURL = ref
	req.Language = strings.TrimSpace(req.Language)
	if req.Language == "" {
		req.Language = v.defaultLanguage
	}
	return req, nil
}
