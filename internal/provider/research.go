package provider

import "context"

// LLMResearcher turns a Completer into a Researcher by prompting for the JSON
// research payload and parsing the reply.
type LLMResearcher struct {
	completer Completer
	maxTokens int
}

// NewLLMResearcher creates a researcher on top of c.
func NewLLMResearcher(c Completer, maxTokens int) *LLMResearcher {
	return &LLMResearcher{completer: c, maxTokens: maxTokens}
}

func (r *LLMResearcher) Research(ctx context.Context, topic string) (*Result, error) {
	prompt := ResearchPrompt(topic)
	c, err := r.completer.Complete(ctx, prompt, r.maxTokens)
	if err != nil {
		return nil, err
	}

	payload, err := ParsePayload(c.Text)
	if err != nil {
		return nil, err
	}

	tokens := c.Tokens
	if tokens <= 0 {
		tokens = EstimateTokens(systemPrompt, prompt, c.Text)
	}
	return &Result{Payload: payload, Raw: c.Text, Tokens: tokens}, nil
}
