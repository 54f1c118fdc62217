package core

import (
	"encoding/json"
	"sort"
)

// Span is one labeled offset range [Start, End) within a resource. The
// optional fields apply only to certain sub-types; absence is never an error.
type Span struct {
	Text  string `json:"text"`
	Label string `json:"label"`
	Start int    `json:"start"`
	End   int    `json:"end"`

	Confidence         *float64 `json:"confidence,omitempty"`
	Priority           *int     `json:"priority,omitempty"`
	Intensity          *int     `json:"intensity,omitempty"`
	ClassificationType string   `json:"classification_type,omitempty"`
	MentionType        string   `json:"mention_type,omitempty"`
}

var classificationTypes = map[string]bool{
	"binary":      true,
	"multi_class": true,
	"multi_label": true,
}

var mentionTypes = map[string]bool{
	"pronoun":     true,
	"proper_noun": true,
	"common_noun": true,
}

// ValidateSpans checks a candidate span map for structural correctness and
// intra-annotation consistency. Pure and synchronous, safe to call
// speculatively before any mutation.
func ValidateSpans(subType string, spans map[string]Span) error {
	if !IsTextSubType(subType) {
		return Invalidf("sub_type", "unknown text annotation sub-type %q", subType)
	}

	ids := make([]string, 0, len(spans))
	for id := range spans {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if spans[ids[i]].Start != spans[ids[j]].Start {
			return spans[ids[i]].Start < spans[ids[j]].Start
		}
		return ids[i] < ids[j]
	})

	for _, id := range ids {
		if err := validateSpan(id, spans[id]); err != nil {
			return err
		}
	}

	// Sorted by start, so any overlap shows up between neighbors.
	for i := 1; i < len(ids); i++ {
		prev, cur := spans[ids[i-1]], spans[ids[i]]
		if prev.End > cur.Start {
			return Invalidf("overlap", "span %s [%d,%d) overlaps span %s [%d,%d)",
				ids[i-1], prev.Start, prev.End, ids[i], cur.Start, cur.End)
		}
	}

	return nil
}

func validateSpan(id string, s Span) error {
	if s.Text == "" {
		return Invalidf("text", "span %s has empty text", id)
	}
	if s.Label == "" {
		return Invalidf("label", "span %s has empty label", id)
	}
	if s.Start < 0 || s.Start >= s.End {
		return Invalidf("offsets", "span %s has invalid offsets [%d,%d)", id, s.Start, s.End)
	}
	if s.Confidence != nil && (*s.Confidence < 0 || *s.Confidence > 1) {
		return Invalidf("confidence", "span %s confidence %v outside [0,1]", id, *s.Confidence)
	}
	if s.Priority != nil && (*s.Priority < 1 || *s.Priority > 5) {
		return Invalidf("priority", "span %s priority %d outside [1,5]", id, *s.Priority)
	}
	if s.Intensity != nil && (*s.Intensity < 0 || *s.Intensity > 100) {
		return Invalidf("intensity", "span %s intensity %d outside [0,100]", id, *s.Intensity)
	}
	if s.ClassificationType != "" && !classificationTypes[s.ClassificationType] {
		return Invalidf("classification_type", "span %s has unknown classification type %q", id, s.ClassificationType)
	}
	if s.MentionType != "" && !mentionTypes[s.MentionType] {
		return Invalidf("mention_type", "span %s has unknown mention type %q", id, s.MentionType)
	}
	return nil
}

// DecodeSpans parses a stored jsonb payload into the span map. An empty
// payload decodes to an empty map.
func DecodeSpans(payload []byte) (map[string]Span, error) {
	spans := make(map[string]Span)
	if len(payload) == 0 {
		return spans, nil
	}
	if err := json.Unmarshal(payload, &spans); err != nil {
		return nil, Invalidf("payload", "payload is not a span map: %v", err)
	}
	return spans, nil
}
