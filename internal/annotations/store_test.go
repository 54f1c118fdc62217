package annotations_test

import (
	"context"
	"testing"

	"github.com/shadowrockzzz/labelling-platform-backend/internal/annotations"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/auth"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/core"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/database"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/dispatch"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/messaging"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testBucket = "annotation-data"

type fixture struct {
	db      *gorm.DB
	queue   *messaging.InMemoryQueue
	objects *storage.LocalProvider
	store   *annotations.Store

	annotator auth.Principal
	reviewer  auth.Principal
}

func newFixture(t *testing.T) *fixture {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())

	queue := messaging.NewInMemoryQueue()
	t.Cleanup(queue.Close)

	objects := storage.NewLocalProvider(t.TempDir())
	require.NoError(t, objects.CreateBucket(context.Background(), testBucket))

	dispatcher := dispatch.NewDispatcher(db, queue, dispatch.DefaultRoutes())

	return &fixture{
		db:        db,
		queue:     queue,
		objects:   objects,
		store:     annotations.NewStore(db, objects, testBucket, dispatcher),
		annotator: auth.NewPrincipal(uuid.New(), auth.CapAnnotator),
		reviewer:  auth.NewPrincipal(uuid.New(), auth.CapReviewer),
	}
}

func (f *fixture) createResource(t *testing.T) database.Resource {
	resource, err := f.store.UploadResource(context.Background(), f.annotator, uuid.New(),
		"review.txt", []byte("Alice met Bob in Paris."))
	require.NoError(t, err)
	return resource
}

func (f *fixture) auditCount(t *testing.T, taskType string) int64 {
	var count int64
	require.NoError(t, f.db.Model(&database.QueueTask{}).
		Where("task_type = ?", taskType).Count(&count).Error)
	return count
}

func span(text, label string, start, end int) core.Span {
	return core.Span{Text: text, Label: label, Start: start, End: end}
}

func TestUploadResource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resource := f.createResource(t)
	assert.Equal(t, database.ResourceActive, resource.Status)
	assert.Equal(t, database.SourceUpload, resource.SourceType)
	assert.Equal(t, "Alice met Bob in Paris.", resource.ContentPreview.String)

	content, err := f.store.ResourceContent(ctx, resource.Id)
	require.NoError(t, err)
	assert.Equal(t, []byte("Alice met Bob in Paris."), content)

	assert.EqualValues(t, 1, f.auditCount(t, dispatch.TaskResourceUploaded))
}

func TestGetOrCreateAnnotationIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resource := f.createResource(t)

	first, err := f.store.GetOrCreate(ctx, f.annotator, resource.Id, core.SubTypeNER)
	require.NoError(t, err)
	assert.Equal(t, database.AnnotationDraft, first.Status)

	second, err := f.store.GetOrCreate(ctx, f.annotator, resource.Id, core.SubTypeNER)
	require.NoError(t, err)
	assert.Equal(t, first.Id, second.Id)

	// A different sub-type or a different annotator gets its own claim.
	other, err := f.store.GetOrCreate(ctx, f.annotator, resource.Id, core.SubTypeSentiment)
	require.NoError(t, err)
	assert.NotEqual(t, first.Id, other.Id)

	otherAnnotator := auth.NewPrincipal(uuid.New(), auth.CapAnnotator)
	theirs, err := f.store.GetOrCreate(ctx, otherAnnotator, resource.Id, core.SubTypeNER)
	require.NoError(t, err)
	assert.NotEqual(t, first.Id, theirs.Id)

	// Only actual creations produce audit rows.
	assert.EqualValues(t, 3, f.auditCount(t, dispatch.TaskAnnotationCreated))
}

func TestGetOrCreateRejectsUnknownSubType(t *testing.T) {
	f := newFixture(t)
	resource := f.createResource(t)

	_, err := f.store.GetOrCreate(context.Background(), f.annotator, resource.Id, "audio")
	var verr *core.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestUpsertSpanRejectsOverlapWithoutMutating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resource := f.createResource(t)

	annotation, err := f.store.GetOrCreate(ctx, f.annotator, resource.Id, core.SubTypeNER)
	require.NoError(t, err)

	annotation, err = f.store.UpsertSpan(ctx, f.annotator, annotation.Id, "s1",
		span("Alice", "PERSON", 0, 5), annotation.Version)
	require.NoError(t, err)

	_, err = f.store.UpsertSpan(ctx, f.annotator, annotation.Id, "s2",
		span("lice", "PERSON", 1, 5), annotation.Version)
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)

	reloaded, err := f.store.GetAnnotation(ctx, annotation.Id)
	require.NoError(t, err)
	assert.Equal(t, annotation.Version, reloaded.Version)

	spans, err := core.DecodeSpans(reloaded.Payload)
	require.NoError(t, err)
	assert.Len(t, spans, 1)
}

func TestUpsertSpanVersionConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resource := f.createResource(t)

	annotation, err := f.store.GetOrCreate(ctx, f.annotator, resource.Id, core.SubTypeNER)
	require.NoError(t, err)

	_, err = f.store.UpsertSpan(ctx, f.annotator, annotation.Id, "s1",
		span("Alice", "PERSON", 0, 5), annotation.Version)
	require.NoError(t, err)

	// Stale version loses the race.
	_, err = f.store.UpsertSpan(ctx, f.annotator, annotation.Id, "s2",
		span("Bob", "PERSON", 10, 13), annotation.Version)
	var serr *core.StateError
	assert.ErrorAs(t, err, &serr)
}

func TestOnlyOwnerModifiesPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resource := f.createResource(t)

	annotation, err := f.store.GetOrCreate(ctx, f.annotator, resource.Id, core.SubTypeNER)
	require.NoError(t, err)

	intruder := auth.NewPrincipal(uuid.New(), auth.CapAnnotator)
	_, err = f.store.UpsertSpan(ctx, intruder, annotation.Id, "s1",
		span("Alice", "PERSON", 0, 5), annotation.Version)
	var perr *core.PermissionError
	assert.ErrorAs(t, err, &perr)
}

func TestRemoveSpan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resource := f.createResource(t)

	annotation, err := f.store.GetOrCreate(ctx, f.annotator, resource.Id, core.SubTypeNER)
	require.NoError(t, err)

	annotation, err = f.store.UpsertSpan(ctx, f.annotator, annotation.Id, "s1",
		span("Alice", "PERSON", 0, 5), annotation.Version)
	require.NoError(t, err)

	annotation, err = f.store.RemoveSpan(ctx, f.annotator, annotation.Id, "s1", annotation.Version)
	require.NoError(t, err)

	spans, err := core.DecodeSpans(annotation.Payload)
	require.NoError(t, err)
	assert.Empty(t, spans)

	_, err = f.store.RemoveSpan(ctx, f.annotator, annotation.Id, "missing", annotation.Version)
	var nerr *core.NotFoundError
	assert.ErrorAs(t, err, &nerr)
}

func TestSubmitLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resource := f.createResource(t)

	annotation, err := f.store.GetOrCreate(ctx, f.annotator, resource.Id, core.SubTypeNER)
	require.NoError(t, err)

	// Empty payloads never reach review.
	_, err = f.store.Submit(ctx, f.annotator, annotation.Id)
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)

	annotation, err = f.store.UpsertSpan(ctx, f.annotator, annotation.Id, "s1",
		span("Alice", "PERSON", 0, 5), annotation.Version)
	require.NoError(t, err)

	annotation, err = f.store.Submit(ctx, f.annotator, annotation.Id)
	require.NoError(t, err)
	assert.Equal(t, database.AnnotationSubmitted, annotation.Status)
	assert.True(t, annotation.SubmitTime.Valid)

	// Double submit is a state error, not a silent no-op.
	_, err = f.store.Submit(ctx, f.annotator, annotation.Id)
	var serr *core.StateError
	require.ErrorAs(t, err, &serr)

	// Submitted annotations are frozen for the annotator.
	_, err = f.store.UpsertSpan(ctx, f.annotator, annotation.Id, "s2",
		span("Bob", "PERSON", 10, 13), annotation.Version)
	require.ErrorAs(t, err, &serr)

	assert.EqualValues(t, 1, f.auditCount(t, dispatch.TaskAnnotationSubmitted))
}

func submitted(t *testing.T, f *fixture) database.Annotation {
	ctx := context.Background()
	resource := f.createResource(t)

	annotation, err := f.store.GetOrCreate(ctx, f.annotator, resource.Id, core.SubTypeNER)
	require.NoError(t, err)

	annotation, err = f.store.UpsertSpan(ctx, f.annotator, annotation.Id, "s1",
		span("Alice", "PERSON", 0, 5), annotation.Version)
	require.NoError(t, err)

	annotation, err = f.store.Submit(ctx, f.annotator, annotation.Id)
	require.NoError(t, err)
	return annotation
}

func TestReviewApproveWritesExportDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	annotation := submitted(t, f)

	approved, err := f.store.Review(ctx, f.reviewer, annotation.Id, annotations.ReviewApprove, "looks right")
	require.NoError(t, err)
	assert.Equal(t, database.AnnotationApproved, approved.Status)
	assert.Equal(t, f.reviewer.UserId, approved.ReviewerId.UUID)
	require.True(t, approved.OutputKey.Valid)

	doc, err := f.objects.GetObject(ctx, testBucket, approved.OutputKey.String)
	require.NoError(t, err)
	assert.Contains(t, string(doc), "entities")

	url, err := f.store.ExportURL(ctx, annotation.Id, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, url)

	assert.EqualValues(t, 1, f.auditCount(t, dispatch.TaskAnnotationReviewed))
}

func TestReviewReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	annotation := submitted(t, f)

	rejected, err := f.store.Review(ctx, f.reviewer, annotation.Id, annotations.ReviewReject, "spans are off by one")
	require.NoError(t, err)
	assert.Equal(t, database.AnnotationRejected, rejected.Status)
	assert.False(t, rejected.OutputKey.Valid)

	// A rejected annotation re-opens on the next edit.
	reopened, err := f.store.UpsertSpan(ctx, f.annotator, annotation.Id, "s1",
		span("Alice", "PERSON", 0, 5), rejected.Version)
	require.NoError(t, err)
	assert.Equal(t, database.AnnotationDraft, reopened.Status)
	assert.False(t, reopened.ReviewerId.Valid)
	assert.False(t, reopened.ReviewComment.Valid)
}

func TestApprovedAnnotationReopensAsDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	annotation := submitted(t, f)

	approved, err := f.store.Review(ctx, f.reviewer, annotation.Id, annotations.ReviewApprove, "")
	require.NoError(t, err)

	reopened, err := f.store.UpsertSpan(ctx, f.annotator, annotation.Id, "s1",
		span("Alice Smith", "PERSON", 0, 11), approved.Version)
	require.NoError(t, err)

	assert.Equal(t, database.AnnotationDraft, reopened.Status)
	assert.False(t, reopened.ReviewerId.Valid)
	assert.False(t, reopened.ReviewTime.Valid)
	assert.False(t, reopened.SubmitTime.Valid)
	assert.False(t, reopened.OutputKey.Valid)
	assert.Greater(t, reopened.Version, approved.Version)
}

func TestReviewRequiresReviewerCapability(t *testing.T) {
	f := newFixture(t)
	annotation := submitted(t, f)

	_, err := f.store.Review(context.Background(), f.annotator, annotation.Id, annotations.ReviewApprove, "")
	var perr *core.PermissionError
	assert.ErrorAs(t, err, &perr)
}

func TestReviewRequiresSubmittedStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resource := f.createResource(t)

	annotation, err := f.store.GetOrCreate(ctx, f.annotator, resource.Id, core.SubTypeNER)
	require.NoError(t, err)

	_, err = f.store.Review(ctx, f.reviewer, annotation.Id, annotations.ReviewApprove, "")
	var serr *core.StateError
	assert.ErrorAs(t, err, &serr)
}

func TestArchiveResourceKeepsReadsWorking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	annotation := submitted(t, f)

	archived, err := f.store.ArchiveResource(ctx, f.annotator, annotation.ResourceId)
	require.NoError(t, err)
	assert.Equal(t, database.ResourceArchived, archived.Status)

	// New annotation work is blocked.
	_, err = f.store.GetOrCreate(ctx, f.annotator, annotation.ResourceId, core.SubTypePOS)
	var serr *core.StateError
	require.ErrorAs(t, err, &serr)

	// Existing annotations and the raw content stay readable.
	_, err = f.store.GetAnnotation(ctx, annotation.Id)
	assert.NoError(t, err)
	_, err = f.store.ResourceContent(ctx, annotation.ResourceId)
	assert.NoError(t, err)

	// Archived resources drop out of active listings.
	_, total, err := f.store.ListResources(ctx, archived.ProjectId, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 0, total)

	// Archiving again is a no-op.
	again, err := f.store.ArchiveResource(ctx, f.annotator, annotation.ResourceId)
	require.NoError(t, err)
	assert.Equal(t, database.ResourceArchived, again.Status)
}

func TestImageAnnotationUsesShapes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resource := f.createResource(t)

	annotation, err := f.store.GetOrCreate(ctx, f.annotator, resource.Id, core.SubTypeBoundingBox)
	require.NoError(t, err)
	assert.Equal(t, core.AnnotationTypeImage, annotation.AnnotationType)

	x, y, w, h := 1.0, 2.0, 3.0, 4.0
	annotation, err = f.store.UpsertShape(ctx, f.annotator, annotation.Id, "b1",
		core.Shape{Label: "car", X: &x, Y: &y, Width: &w, Height: &h}, annotation.Version)
	require.NoError(t, err)

	// Span mutations are refused on image annotations.
	_, err = f.store.UpsertSpan(ctx, f.annotator, annotation.Id, "s1",
		span("x", "L", 0, 1), annotation.Version)
	var verr *core.ValidationError
	assert.ErrorAs(t, err, &verr)
}
