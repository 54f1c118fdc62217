// Initial schema as of the first release. Structs here are snapshots, they
// must not be updated when the live schema in the database package changes.
package migration_0

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Resource struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProjectId uuid.UUID `gorm:"type:uuid;not null;index"`

	Name       string `gorm:"size:255;not null"`
	SourceType string `gorm:"size:20;not null"`

	StorageKey     sql.NullString `gorm:"size:500"`
	ExternalURL    sql.NullString
	ContentPreview sql.NullString
	FileSize       sql.NullInt64

	UploadedBy uuid.NullUUID `gorm:"type:uuid"`

	Status       string `gorm:"size:20;not null"`
	CreationTime time.Time

	Annotations []Annotation `gorm:"foreignKey:ResourceId;constraint:OnDelete:CASCADE"`
}

type Annotation struct {
	Id         uuid.UUID `gorm:"type:uuid;primaryKey"`
	ResourceId uuid.UUID `gorm:"type:uuid;not null;index;uniqueIndex:idx_annotation_claim"`
	ProjectId  uuid.UUID `gorm:"type:uuid;not null;index"`

	AnnotatorId uuid.NullUUID `gorm:"type:uuid;index;uniqueIndex:idx_annotation_claim"`
	ReviewerId  uuid.NullUUID `gorm:"type:uuid"`

	AnnotationType string `gorm:"size:50;not null"`
	SubType        string `gorm:"size:50;not null;uniqueIndex:idx_annotation_claim"`

	Status string `gorm:"size:30;not null;index"`

	Label     sql.NullString `gorm:"size:100"`
	SpanStart sql.NullInt64
	SpanEnd   sql.NullInt64

	Payload datatypes.JSON `gorm:"type:jsonb"`

	ReviewComment sql.NullString
	OutputKey     sql.NullString `gorm:"size:500"`

	Version int `gorm:"not null;default:0"`

	CreationTime time.Time
	UpdateTime   time.Time
	SubmitTime   sql.NullTime
	ReviewTime   sql.NullTime

	Corrections []ReviewCorrection `gorm:"foreignKey:AnnotationId;constraint:OnDelete:CASCADE"`
}

type ReviewCorrection struct {
	Id           uuid.UUID `gorm:"type:uuid;primaryKey"`
	AnnotationId uuid.UUID `gorm:"type:uuid;not null;index"`
	ReviewerId   uuid.UUID `gorm:"type:uuid;not null"`

	Status string `gorm:"size:20;not null"`

	OriginalData  datatypes.JSON `gorm:"type:jsonb"`
	CorrectedData datatypes.JSON `gorm:"type:jsonb"`

	Comment           sql.NullString
	AnnotatorResponse sql.NullString

	CreationTime time.Time
	UpdateTime   time.Time
}

type QueueTask struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProjectId uuid.UUID `gorm:"type:uuid;not null;index:idx_queue_project_type"`

	AnnotationType string `gorm:"size:50;not null;index:idx_queue_project_type"`

	ResourceId   uuid.NullUUID `gorm:"type:uuid"`
	AnnotationId uuid.NullUUID `gorm:"type:uuid"`

	TaskType string `gorm:"size:50;not null"`
	Status   string `gorm:"size:20;not null;index"`

	Payload datatypes.JSON `gorm:"type:jsonb;not null"`

	ErrorMessage sql.NullString

	CreationTime  time.Time
	ProcessedTime sql.NullTime
}

func Migration(txn *gorm.DB) error {
	return txn.AutoMigrate(
		&Resource{}, &Annotation{}, &ReviewCorrection{}, &QueueTask{},
	)
}
