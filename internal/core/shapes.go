package core

import (
	"encoding/json"
	"sort"
)

// Shape is one image annotation record. Which geometry fields apply depends
// on the sub-type; the rest stay nil.
type Shape struct {
	Label string `json:"label"`

	X      *float64 `json:"x,omitempty"`
	Y      *float64 `json:"y,omitempty"`
	Width  *float64 `json:"width,omitempty"`
	Height *float64 `json:"height,omitempty"`

	Points [][]float64 `json:"points,omitempty"`

	Keypoints map[string][]float64 `json:"keypoints,omitempty"`

	MaskKey string `json:"mask_key,omitempty"`
	Area    *int   `json:"area,omitempty"`

	Confidence *float64 `json:"confidence,omitempty"`
}

// ValidateShapes checks a candidate shape map for the given image sub-type.
// Pure, no side effects.
func ValidateShapes(subType string, shapes map[string]Shape) error {
	if !IsImageSubType(subType) {
		return Invalidf("sub_type", "unknown image annotation sub-type %q", subType)
	}

	ids := make([]string, 0, len(shapes))
	for id := range shapes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := validateShape(subType, id, shapes[id]); err != nil {
			return err
		}
	}
	return nil
}

func validateShape(subType, id string, s Shape) error {
	if s.Label == "" {
		return Invalidf("label", "shape %s has empty label", id)
	}
	if s.Confidence != nil && (*s.Confidence < 0 || *s.Confidence > 1) {
		return Invalidf("confidence", "shape %s confidence %v outside [0,1]", id, *s.Confidence)
	}

	switch subType {
	case SubTypeBoundingBox:
		if s.X == nil || s.Y == nil || s.Width == nil || s.Height == nil {
			return Invalidf("geometry", "box %s is missing coordinates", id)
		}
		if *s.X < 0 || *s.Y < 0 {
			return Invalidf("geometry", "box %s has negative origin", id)
		}
		if *s.Width <= 0 || *s.Height <= 0 {
			return Invalidf("geometry", "box %s has non-positive dimensions", id)
		}
	case SubTypePolygon:
		if len(s.Points) < 3 {
			return Invalidf("geometry", "polygon %s has fewer than 3 points", id)
		}
		for _, p := range s.Points {
			if len(p) != 2 {
				return Invalidf("geometry", "polygon %s has a malformed point", id)
			}
		}
	case SubTypeSegmentation:
		if s.MaskKey == "" {
			return Invalidf("geometry", "segment %s has no mask", id)
		}
		if s.Area != nil && *s.Area < 0 {
			return Invalidf("geometry", "segment %s has negative area", id)
		}
	case SubTypeKeypoint:
		if len(s.Keypoints) == 0 {
			return Invalidf("geometry", "keypoint shape %s has no points", id)
		}
		for name, p := range s.Keypoints {
			if len(p) < 2 {
				return Invalidf("geometry", "keypoint shape %s point %q is malformed", id, name)
			}
		}
	case SubTypeImageClassify:
		// label check above is sufficient
	}
	return nil
}

// DecodeShapes parses a stored jsonb payload into the shape map.
func DecodeShapes(payload []byte) (map[string]Shape, error) {
	shapes := make(map[string]Shape)
	if len(payload) == 0 {
		return shapes, nil
	}
	if err := json.Unmarshal(payload, &shapes); err != nil {
		return nil, Invalidf("payload", "payload is not a shape map: %v", err)
	}
	return shapes, nil
}

// ValidatePayload routes a raw payload to the span or shape validator based
// on the sub-type's owning module.
func ValidatePayload(subType string, payload []byte) error {
	annotationType, err := AnnotationTypeFor(subType)
	if err != nil {
		return err
	}
	if annotationType == AnnotationTypeImage {
		shapes, err := DecodeShapes(payload)
		if err != nil {
			return err
		}
		return ValidateShapes(subType, shapes)
	}
	spans, err := DecodeSpans(payload)
	if err != nil {
		return err
	}
	return ValidateSpans(subType, spans)
}
