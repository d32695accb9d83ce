package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// ErrNoJSON is returned by DecodeCompletion when the text holds no JSON
// object.
var ErrNoJSON = errors.New("no JSON object in completion")

// DecodeCompletion extracts the JSON object from completion text, which may
// be wrapped in a ```json fence or surrounded by prose, and decodes it into
// out using json struct tags. Numbers and strings are converted loosely
// since model output is not reliably typed.
func DecodeCompletion(text string, out any) error {
	raw := extractJSON(text)
	if raw == "" {
		return ErrNoJSON
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return fmt.Errorf("parse completion: %w", err)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(obj); err != nil {
		return fmt.Errorf("decode completion: %w", err)
	}
	return nil
}

func extractJSON(text string) string {
	if i := strings.Index(text, "```json"); i >= 0 {
		rest := text[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
