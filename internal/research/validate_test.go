package research

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateTopic(t *testing.T) {
	tests := []struct {
		topic string
		ok    bool
	}{
		{"renewable energy policy", true},
		{"What is (really) driving EV adoption?", true},
		{"  solar panel recycling  ", true},
		{"", false},
		{"two words", false},
		{"a b c", false},
		{strings.Repeat("word ", 25), false},
		{"energy policy <script>", false},
		{"energy policy " + strings.Repeat("x", 31), false},
	}
	for _, tt := range tests {
		err := ValidateTopic(tt.topic)
		if tt.ok && err != nil {
			t.Errorf("ValidateTopic(%q): unexpected error %v", tt.topic, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("ValidateTopic(%q): expected ErrInvalidTopic, got %v", tt.topic, err)
		}
	}
}

func TestValidateSubtopic(t *testing.T) {
	if err := ValidateSubtopic("battery storage costs (2024–2030)"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateSubtopic(" "); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("expected ErrInvalidTopic, got %v", err)
	}
	if err := ValidateSubtopic(strings.Repeat("x", 201)); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("expected ErrInvalidTopic, got %v", err)
	}
}
