package handler

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
)

const (
	TypeHealthCheck = "health_check"
	TypeListModels  = "list_models"

	FormatBase64 = "base64"
	FormatS3URL  = "s3_url"
)

type Input struct {
	Type         string `json:"type,omitempty"`
	Image        string `json:"image,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
	Ratio        string `json:"ratio,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`
}

// ValidationError collects every problem found with a job input.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Errors, " ")
}

func (e *ValidationError) add(format string, args ...any) {
	e.Errors = append(e.Errors, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

var fields = []string{"type", "image", "prompt", "ratio", "output_format"}

// ParseInput decodes a raw job input, rejecting unknown keys and values of
// the wrong type the way the job queue's schema validator does. Health checks
// and model listings are answered before validation, so their other keys are
// ignored.
func ParseInput(raw json.RawMessage) (Input, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return Input{}, &ValidationError{Errors: []string{"Job input must be a JSON object."}}
	}
	if t, ok := m["type"].(string); ok && (t == TypeHealthCheck || t == TypeListModels) {
		return Input{Type: t}, nil
	}

	verr := &ValidationError{}
	keys := lo.Keys(m)
	sort.Strings(keys)
	for _, k := range keys {
		if !lo.Contains(fields, k) {
			verr.add("Unexpected input. %s is not a valid input option.", k)
		}
	}

	var in Input
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"type", &in.Type},
		{"image", &in.Image},
		{"prompt", &in.Prompt},
		{"ratio", &in.Ratio},
		{"output_format", &in.OutputFormat},
	} {
		v, ok := m[f.key]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			verr.add("%s should be str type, not %s.", f.key, jsonType(v))
			continue
		}
		*f.dst = s
	}
	return in, verr.orNil()
}

func jsonType(v any) string {
	switch v.(type) {
	case float64:
		return "number"
	case bool:
		return "bool"
	case []any:
		return "list"
	case map[string]any:
		return "dict"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Validate checks an edit request and fills in defaults.
func (in *Input) Validate() error {
	verr := &ValidationError{}
	for _, f := range []struct {
		key   string
		value string
	}{
		{"image", in.Image},
		{"prompt", in.Prompt},
		{"ratio", in.Ratio},
	} {
		if strings.TrimSpace(f.value) == "" {
			verr.add("%s is a required property.", f.key)
		}
	}

	if in.OutputFormat == "" {
		in.OutputFormat = FormatBase64
	}
	if in.OutputFormat != FormatBase64 && in.OutputFormat != FormatS3URL {
		verr.add("output_format should be one of %s, %s, not %q.", FormatBase64, FormatS3URL, in.OutputFormat)
	}
	return verr.orNil()
}

// String keeps image payloads out of the logs.
func (in Input) String() string {
	return fmt.Sprintf("{type:%q image:%s prompt:%q ratio:%q output_format:%q}",
		in.Type, describeSource(in.Image), in.Prompt, in.Ratio, in.OutputFormat)
}

func describeSource(s string) string {
	switch {
	case s == "":
		return "<none>"
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return s
	default:
		return fmt.Sprintf("<base64 %d chars>", len(s))
	}
}
