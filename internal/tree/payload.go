package tree

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Payload is the normalized research result of one node. Every field is
// optional; an absent field is not an error.
type Payload struct {
	Summary         string          `json:"summary,omitempty"`
	KeyPoints       []string        `json:"key_points,omitempty"`
	Entities        []Entity        `json:"entities,omitempty"`
	Subtopics       []Subtopic      `json:"subtopics,omitempty"`
	Timeline        []TimelineEvent `json:"timeline,omitempty"`
	FurtherResearch []Suggestion    `json:"further_research,omitempty"`
	References      []Reference     `json:"references,omitempty"`
	WebResults      []WebResult     `json:"web_results,omitempty"`

	// Partial marks a degraded payload built from web results only.
	Partial bool `json:"partial,omitempty"`
}

// Entity is a person, organization or concept the research names.
type Entity struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Relevance   string `json:"relevance,omitempty"`
}

// Subtopic is an area within the topic that a provider singled out.
type Subtopic struct {
	Title      string `json:"title"`
	Summary    string `json:"summary,omitempty"`
	Importance string `json:"importance,omitempty"`
}

// TimelineEvent is a dated development. Date is free text as returned.
type TimelineEvent struct {
	Date         string `json:"date"`
	Event        string `json:"event"`
	Significance string `json:"significance,omitempty"`
}

// Suggestion is a further-research topic proposed by a provider.
type Suggestion struct {
	Topic     string `json:"topic"`
	Rationale string `json:"rationale,omitempty"`
}

// Reference is a source cited by the provider; URL may be empty.
type Reference struct {
	Title  string `json:"title"`
	Source string `json:"source,omitempty"`
	URL    string `json:"url,omitempty"`
}

// WebResult is one hit from a web-search backend.
type WebResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet,omitempty"`
	Source  string `json:"source,omitempty"`
	Excerpt string `json:"excerpt,omitempty"`
}

// Empty reports whether the payload carries no data at all.
func (p *Payload) Empty() bool {
	if p == nil {
		return true
	}
	return p.Summary == "" &&
		len(p.KeyPoints) == 0 &&
		len(p.Entities) == 0 &&
		len(p.Subtopics) == 0 &&
		len(p.Timeline) == 0 &&
		len(p.FurtherResearch) == 0 &&
		len(p.References) == 0 &&
		len(p.WebResults) == 0
}

// SuggestedTopics returns the trimmed, non-empty further-research topics, in
// order, without duplicates.
func (p *Payload) SuggestedTopics() []string {
	if p == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(p.FurtherResearch))
	var topics []string
	for _, s := range p.FurtherResearch {
		topic := strings.TrimSpace(s.Topic)
		if topic == "" {
			continue
		}
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	return topics
}

// Providers are inconsistent about list items: some return bare strings where
// objects are expected. The decoders below accept both.

func isJSONString(data []byte) bool {
	data = bytes.TrimSpace(data)
	return len(data) > 0 && data[0] == '"'
}

func (e *Entity) UnmarshalJSON(data []byte) error {
	if isJSONString(data) {
		return json.Unmarshal(data, &e.Name)
	}
	type plain Entity
	return json.Unmarshal(data, (*plain)(e))
}

func (s *Subtopic) UnmarshalJSON(data []byte) error {
	if isJSONString(data) {
		return json.Unmarshal(data, &s.Title)
	}
	type plain Subtopic
	return json.Unmarshal(data, (*plain)(s))
}

func (s *Suggestion) UnmarshalJSON(data []byte) error {
	if isJSONString(data) {
		return json.Unmarshal(data, &s.Topic)
	}
	type plain Suggestion
	return json.Unmarshal(data, (*plain)(s))
}

func (r *Reference) UnmarshalJSON(data []byte) error {
	if isJSONString(data) {
		return json.Unmarshal(data, &r.Title)
	}
	type plain Reference
	return json.Unmarshal(data, (*plain)(r))
}
