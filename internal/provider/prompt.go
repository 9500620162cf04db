package provider

import "fmt"

const systemPrompt = "You are a meticulous research assistant. Respond with a single JSON object and nothing else."

// ResearchPrompt builds the deep-research prompt for topic.
func ResearchPrompt(topic string) string {
	return fmt.Sprintf(`Analyze the following topic as an expert researcher: %s

Return a JSON object with these fields:
- "summary": a concise overview (2-4 paragraphs, markdown allowed)
- "key_points": array of the most important findings as strings
- "entities": array of {"name", "type", "description", "relevance"}
- "subtopics": array of {"title", "summary", "importance"}
- "timeline": array of {"date", "event", "significance"}
- "further_research": array of {"topic", "rationale"} worth exploring next
- "references": array of {"title", "source", "url"}

Omit a field rather than inventing content for it. Respond with JSON only.`, topic)
}
