package core

const (
	AnnotationTypeText  string = "text"
	AnnotationTypeImage string = "image"
)

// Text sub-types.
const (
	SubTypeNER            string = "ner"
	SubTypePOS            string = "pos"
	SubTypeSentiment      string = "sentiment"
	SubTypeRelation       string = "relation"
	SubTypeSpan           string = "span"
	SubTypeClassification string = "classification"
	SubTypeDependency     string = "dependency"
	SubTypeCoreference    string = "coreference"
)

// Image sub-types.
const (
	SubTypeBoundingBox   string = "bounding_box"
	SubTypePolygon       string = "polygon"
	SubTypeSegmentation  string = "segmentation"
	SubTypeKeypoint      string = "keypoint"
	SubTypeImageClassify string = "image_classification"
)

var textSubTypes = map[string]bool{
	SubTypeNER:            true,
	SubTypePOS:            true,
	SubTypeSentiment:      true,
	SubTypeRelation:       true,
	SubTypeSpan:           true,
	SubTypeClassification: true,
	SubTypeDependency:     true,
	SubTypeCoreference:    true,
}

var imageSubTypes = map[string]bool{
	SubTypeBoundingBox:   true,
	SubTypePolygon:       true,
	SubTypeSegmentation:  true,
	SubTypeKeypoint:      true,
	SubTypeImageClassify: true,
}

func IsTextSubType(subType string) bool {
	return textSubTypes[subType]
}

func IsImageSubType(subType string) bool {
	return imageSubTypes[subType]
}

// AnnotationTypeFor resolves the owning module for a sub-type tag.
func AnnotationTypeFor(subType string) (string, error) {
	switch {
	case textSubTypes[subType]:
		return AnnotationTypeText, nil
	case imageSubTypes[subType]:
		return AnnotationTypeImage, nil
	default:
		return "", Invalidf("sub_type", "unknown annotation sub-type %q", subType)
	}
}
