package research

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	minTopicWords    = 3
	minTopicLength   = 10
	maxTopicLength   = 100
	maxWordLength    = 30
	maxSubtopicChars = 200
)

var topicChars = regexp.MustCompile(`^[a-zA-Z0-9\s.,?!'"():-]+$`)

// ValidateTopic checks a topic submitted for new research.
func ValidateTopic(topic string) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("%w: topic is empty", ErrInvalidTopic)
	}
	words := strings.Fields(topic)
	if len(words) < minTopicWords {
		return fmt.Errorf("%w: use at least %d words", ErrInvalidTopic, minTopicWords)
	}
	if n := len(topic); n < minTopicLength || n > maxTopicLength {
		return fmt.Errorf("%w: must be %d to %d characters, got %d", ErrInvalidTopic, minTopicLength, maxTopicLength, n)
	}
	if !topicChars.MatchString(topic) {
		return fmt.Errorf("%w: only letters, digits, spaces and basic punctuation are allowed", ErrInvalidTopic)
	}
	for _, w := range words {
		if len(w) > maxWordLength {
			return fmt.Errorf("%w: word %q is longer than %d characters", ErrInvalidTopic, w, maxWordLength)
		}
	}
	return nil
}

// ValidateSubtopic checks an expansion topic. Suggestions come from provider
// output, so only emptiness and length are enforced.
func ValidateSubtopic(topic string) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("%w: topic is empty", ErrInvalidTopic)
	}
	if len(topic) > maxSubtopicChars {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidTopic, maxSubtopicChars)
	}
	return nil
}
