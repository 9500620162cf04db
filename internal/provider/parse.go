package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/TobiSchelling/AICouncil/internal/tree"
)

var ErrMalformedResponse = errors.New("response is not a research payload")

// ParsePayload parses an LLM research response, handling markdown code
// blocks. Fields the model left out stay empty.
func ParsePayload(text string) (*tree.Payload, error) {
	text = stripCodeFence(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}

	var p tree.Payload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	// Web results come from the search backend, never from the model.
	p.WebResults = nil
	p.Partial = false
	return &p, nil
}

// stripCodeFence returns the content of the first fenced block if the text
// has one, otherwise the trimmed text.
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "```")
	if start < 0 {
		return text
	}

	body := text[start+3:]
	// Drop the info string ("json") on the opening fence line.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		return ""
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}
