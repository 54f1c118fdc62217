package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Span struct {
	Text  string
	Label string
	Start int
	End   int

	Confidence         *float64 `json:"Confidence,omitempty"`
	Priority           *int     `json:"Priority,omitempty"`
	Intensity          *int     `json:"Intensity,omitempty"`
	ClassificationType string   `json:"ClassificationType,omitempty"`
	MentionType        string   `json:"MentionType,omitempty"`
}

type Shape struct {
	Label string

	X      *float64 `json:"X,omitempty"`
	Y      *float64 `json:"Y,omitempty"`
	Width  *float64 `json:"Width,omitempty"`
	Height *float64 `json:"Height,omitempty"`

	Points    [][]float64          `json:"Points,omitempty"`
	Keypoints map[string][]float64 `json:"Keypoints,omitempty"`

	MaskKey string `json:"MaskKey,omitempty"`
	Area    *int   `json:"Area,omitempty"`

	Confidence *float64 `json:"Confidence,omitempty"`
}

type Resource struct {
	Id        uuid.UUID
	ProjectId uuid.UUID

	Name       string
	SourceType string

	ExternalURL    string `json:"ExternalURL,omitempty"`
	ContentPreview string `json:"ContentPreview,omitempty"`
	FileSize       *int64 `json:"FileSize,omitempty"`

	UploadedBy *uuid.UUID `json:"UploadedBy,omitempty"`

	Status       string
	CreationTime time.Time
}

type AddURLResourceRequest struct {
	Name string
	URL  string
}

type ListResourcesResponse struct {
	Resources []Resource
	Total     int64
}

type ListResourcesQuery struct {
	Page  int `schema:"page"`
	Limit int `schema:"limit"`
}

type Annotation struct {
	Id         uuid.UUID
	ResourceId uuid.UUID
	ProjectId  uuid.UUID

	AnnotatorId *uuid.UUID `json:"AnnotatorId,omitempty"`
	ReviewerId  *uuid.UUID `json:"ReviewerId,omitempty"`

	AnnotationType string
	SubType        string
	Status         string

	Spans  map[string]Span  `json:"Spans,omitempty"`
	Shapes map[string]Shape `json:"Shapes,omitempty"`

	ReviewComment string `json:"ReviewComment,omitempty"`
	OutputKey     string `json:"OutputKey,omitempty"`

	Version int

	CreationTime time.Time
	UpdateTime   time.Time
	SubmitTime   *time.Time `json:"SubmitTime,omitempty"`
	ReviewTime   *time.Time `json:"ReviewTime,omitempty"`
}

type CreateAnnotationRequest struct {
	ResourceId uuid.UUID
	SubType    string
}

type UpsertSpanRequest struct {
	Span    Span
	Version int
}

type UpsertShapeRequest struct {
	Shape   Shape
	Version int
}

type RemoveSpanRequest struct {
	Version int
}

type ReviewRequest struct {
	// "approve" or "reject".
	Action  string
	Comment string
}

type Correction struct {
	Id           uuid.UUID
	AnnotationId uuid.UUID
	ReviewerId   uuid.UUID

	Status string

	OriginalData  json.RawMessage `json:"OriginalData,omitempty"`
	CorrectedData json.RawMessage `json:"CorrectedData,omitempty"`

	Comment           string `json:"Comment,omitempty"`
	AnnotatorResponse string `json:"AnnotatorResponse,omitempty"`

	CreationTime time.Time
	UpdateTime   time.Time
}

type ProposeCorrectionRequest struct {
	CorrectedData json.RawMessage
	Comment       string
}

type RejectCorrectionRequest struct {
	Response string
}

type ListCorrectionsResponse struct {
	Corrections []Correction
}

type QueueTask struct {
	Id        uuid.UUID
	ProjectId uuid.UUID

	AnnotationType string

	ResourceId   *uuid.UUID `json:"ResourceId,omitempty"`
	AnnotationId *uuid.UUID `json:"AnnotationId,omitempty"`

	TaskType string
	Status   string

	BrokerJobId  string `json:"BrokerJobId,omitempty"`
	BrokerStatus string `json:"BrokerStatus,omitempty"`
	ErrorMessage string `json:"ErrorMessage,omitempty"`

	CreationTime  time.Time
	ProcessedTime *time.Time `json:"ProcessedTime,omitempty"`
}

type ListTasksQuery struct {
	AnnotationType string `schema:"annotation_type"`
	Status         string `schema:"status"`
	Limit          int    `schema:"limit"`
}

type ListTasksResponse struct {
	Tasks []QueueTask
}

type EnqueueResponse struct {
	TaskId      uuid.UUID
	Status      string
	TaskType    string
	BrokerJobId string `json:"BrokerJobId,omitempty"`
}

type ExportURLResponse struct {
	URL       string
	ExpiresAt time.Time
}
