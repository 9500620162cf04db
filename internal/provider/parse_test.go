package provider

import (
	"errors"
	"testing"
)

func TestParsePayloadPlain(t *testing.T) {
	p, err := ParsePayload(`{"summary": "overview", "key_points": ["a", "b"]}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Summary != "overview" {
		t.Errorf("expected summary 'overview', got %q", p.Summary)
	}
	if len(p.KeyPoints) != 2 {
		t.Errorf("expected 2 key points, got %d", len(p.KeyPoints))
	}
	if p.Entities != nil || p.Timeline != nil {
		t.Error("missing fields must stay absent")
	}
}

func TestParsePayloadWithCodeFence(t *testing.T) {
	text := "```json\n{\"summary\": \"fenced\"}\n```"
	p, err := ParsePayload(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Summary != "fenced" {
		t.Errorf("expected summary 'fenced', got %q", p.Summary)
	}
}

func TestParsePayloadWithLeadingProse(t *testing.T) {
	text := "Here is the research you asked for:\n```\n{\"summary\": \"fenced\"}\n```\nLet me know!"
	p, err := ParsePayload(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Summary != "fenced" {
		t.Errorf("expected summary 'fenced', got %q", p.Summary)
	}
}

func TestParsePayloadIgnoresModelWebResults(t *testing.T) {
	p, err := ParsePayload(`{"summary": "s", "web_results": [{"title": "fake", "link": "x"}], "partial": true}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.WebResults != nil || p.Partial {
		t.Error("web results and partial flag are not taken from the model")
	}
}

func TestParsePayloadInvalid(t *testing.T) {
	_, err := ParsePayload("not json at all")
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestParsePayloadEmpty(t *testing.T) {
	if _, err := ParsePayload("  \n "); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens("abcd", "efgh"); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Errorf("expected rounding up to 2, got %d", got)
	}
}
