package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	ResourceActive   string = "ACTIVE"
	ResourceArchived string = "ARCHIVED"
)

const (
	SourceUpload string = "UPLOAD"
	SourceURL    string = "URL"
)

type Resource struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProjectId uuid.UUID `gorm:"type:uuid;not null;index"`

	Name       string `gorm:"size:255;not null"`
	SourceType string `gorm:"size:20;not null"`

	StorageKey  sql.NullString `gorm:"size:500"`
	ExternalURL sql.NullString
	// First 500 chars of the content, cached for quick display.
	ContentPreview sql.NullString
	FileSize       sql.NullInt64

	UploadedBy uuid.NullUUID `gorm:"type:uuid"`

	Status       string `gorm:"size:20;not null"`
	CreationTime time.Time

	Annotations []Annotation `gorm:"foreignKey:ResourceId;constraint:OnDelete:CASCADE"`
}

const (
	AnnotationDraft       string = "DRAFT"
	AnnotationSubmitted   string = "SUBMITTED"
	AnnotationUnderReview string = "UNDER_REVIEW"
	AnnotationApproved    string = "APPROVED"
	AnnotationRejected    string = "REJECTED"
)

type Annotation struct {
	Id         uuid.UUID `gorm:"type:uuid;primaryKey"`
	ResourceId uuid.UUID `gorm:"type:uuid;not null;index;uniqueIndex:idx_annotation_claim"`
	ProjectId  uuid.UUID `gorm:"type:uuid;not null;index"`

	AnnotatorId uuid.NullUUID `gorm:"type:uuid;index;uniqueIndex:idx_annotation_claim"`
	ReviewerId  uuid.NullUUID `gorm:"type:uuid"`

	AnnotationType string `gorm:"size:50;not null"`
	SubType        string `gorm:"size:50;not null;uniqueIndex:idx_annotation_claim"`

	Status string `gorm:"size:30;not null;index"`

	// Legacy single-span fields, kept for annotations imported from the v1
	// data model. New writes go through the Payload span map.
	Label     sql.NullString `gorm:"size:100"`
	SpanStart sql.NullInt64
	SpanEnd   sql.NullInt64

	Payload datatypes.JSON `gorm:"type:jsonb"` // span id -> span record

	ReviewComment sql.NullString
	OutputKey     sql.NullString `gorm:"size:500"`

	// Incremented on every payload write, guards read-modify-write races.
	Version int `gorm:"not null;default:0"`

	CreationTime time.Time
	UpdateTime   time.Time
	SubmitTime   sql.NullTime
	ReviewTime   sql.NullTime

	Corrections []ReviewCorrection `gorm:"foreignKey:AnnotationId;constraint:OnDelete:CASCADE"`
}

const (
	CorrectionPending  string = "PENDING"
	CorrectionAccepted string = "ACCEPTED"
	CorrectionRejected string = "REJECTED"
)

type ReviewCorrection struct {
	Id           uuid.UUID `gorm:"type:uuid;primaryKey"`
	AnnotationId uuid.UUID `gorm:"type:uuid;not null;index"`
	ReviewerId   uuid.UUID `gorm:"type:uuid;not null"`

	Status string `gorm:"size:20;not null"`

	OriginalData  datatypes.JSON `gorm:"type:jsonb"` // payload snapshot at proposal time
	CorrectedData datatypes.JSON `gorm:"type:jsonb"`

	Comment           sql.NullString
	AnnotatorResponse sql.NullString

	CreationTime time.Time
	UpdateTime   time.Time
}

const (
	TaskPending    string = "PENDING"
	TaskProcessing string = "PROCESSING"
	TaskDone       string = "DONE"
	TaskFailed     string = "FAILED"
)

// QueueTask is the durable audit record of one dispatched lifecycle event.
// The relational store is the store of record: losing all broker state must
// never lose anything recoverable from these rows. Rows are never deleted.
type QueueTask struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProjectId uuid.UUID `gorm:"type:uuid;not null;index:idx_queue_project_type"`

	AnnotationType string `gorm:"size:50;not null;index:idx_queue_project_type"`

	ResourceId   uuid.NullUUID `gorm:"type:uuid"`
	AnnotationId uuid.NullUUID `gorm:"type:uuid"`

	TaskType string `gorm:"size:50;not null"`
	Status   string `gorm:"size:20;not null;index"`

	Payload datatypes.JSON `gorm:"type:jsonb;not null"`

	BrokerJobId  sql.NullString `gorm:"size:200"`
	ErrorMessage sql.NullString

	CreationTime  time.Time
	ProcessedTime sql.NullTime
}
