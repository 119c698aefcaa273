package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"reconstruction-service/internal/models"
	"reconstruction-service/internal/store"
)

// setupTestStore spins up a Postgres container, runs the embedded migrations,
// and returns a ready store.
func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("reconstruction_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := store.NewWithPool(pool)
	require.NoError(t, s.RunMigrations(ctx))
	return s
}

func createJob(t *testing.T, s *store.Store, title string) models.Job {
	t.Helper()
	id := uuid.New().String()
	job, err := s.CreateJob(context.Background(), store.CreateJobParams{
		ID:          id,
		Title:       title,
		Description: "captured at dusk",
		PreviewPath: "/data/" + id + "/preview.jpg",
		Inputs: []models.InputFile{
			{Path: "/data/" + id + "/inputs/a.jpg", OriginalName: "a.jpg", Size: 1024, ContentType: "image/jpeg"},
			{Path: "/data/" + id + "/inputs/b.png", OriginalName: "b.png", Size: 2048, ContentType: "image/png"},
		},
	})
	require.NoError(t, err)
	return job
}

// advance walks a job through the given statuses in order.
func advance(t *testing.T, s *store.Store, id string, statuses ...string) {
	t.Helper()
	for _, st := range statuses {
		require.NoError(t, s.UpdateJobStatus(context.Background(), id, st))
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	job := createJob(t, s, "fountain scan")
	assert.Equal(t, models.StatusPending, job.Status)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "fountain scan", got.Title)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Zero(t, got.Progress)
	assert.Nil(t, got.CompletedAt)
	require.Len(t, got.Inputs, 2)
	assert.Equal(t, "a.jpg", got.Inputs[0].OriginalName, "inputs keep upload order")
	assert.Equal(t, "b.png", got.Inputs[1].OriginalName)
	assert.Empty(t, got.Artifacts)
}

func TestGetJobNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetJob(context.Background(), uuid.New().String())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStatusLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, "lifecycle")

	advance(t, s, job.ID, models.StatusUploaded, models.StatusQueued, models.StatusProcessing)

	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.StatusCompleted,
		store.WithProgress(100),
		store.WithMessage("reconstruction finished")))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "reconstruction finished", got.Message)
	require.NotNil(t, got.CompletedAt, "terminal transitions stamp completed_at")
}

func TestInvalidTransitionsAreRejected(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, "guards")

	// pending cannot jump straight to completed.
	err := s.UpdateJobStatus(ctx, job.ID, models.StatusCompleted)
	require.ErrorIs(t, err, store.ErrInvalidTransition)

	// Terminal states accept no further transitions.
	advance(t, s, job.ID, models.StatusUploaded, models.StatusQueued, models.StatusFailed)
	err = s.UpdateJobStatus(ctx, job.ID, models.StatusProcessing)
	require.ErrorIs(t, err, store.ErrInvalidTransition)

	// Unknown target status.
	err = s.UpdateJobStatus(ctx, job.ID, "paused")
	require.ErrorIs(t, err, store.ErrInvalidTransition)

	// Missing job is distinguishable from a bad transition.
	err = s.UpdateJobStatus(ctx, uuid.New().String(), models.StatusUploaded)
	require.ErrorIs(t, err, store.ErrNotFound)

	// The rejected updates must not have touched the row.
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestFailureRecordsDetail(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, "failing")
	advance(t, s, job.ID, models.StatusUploaded, models.StatusQueued, models.StatusProcessing)

	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.StatusFailed,
		store.WithErrorDetail("bundle adjustment diverged"),
		store.WithMessage("pipeline failed with exit code 1")))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "bundle adjustment diverged", got.ErrorDetail)
	assert.Equal(t, "pipeline failed with exit code 1", got.Message)
	assert.NotNil(t, got.CompletedAt)
}

func TestUpdateProgress(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, "progress")

	// Progress writes are a no-op outside processing.
	changed, err := s.UpdateProgress(ctx, job.ID, 40, "too early")
	require.NoError(t, err)
	assert.False(t, changed)

	advance(t, s, job.ID, models.StatusUploaded, models.StatusQueued, models.StatusProcessing)

	changed, err = s.UpdateProgress(ctx, job.ID, 60, "reconstruction 60% complete")
	require.NoError(t, err)
	assert.True(t, changed)

	// A lower value never regresses the stored progress.
	changed, err = s.UpdateProgress(ctx, job.ID, 20, "reconstruction 20% complete")
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, got.Progress)
	assert.Equal(t, "reconstruction 20% complete", got.Message)

	// Values above 100 are clamped.
	_, err = s.UpdateProgress(ctx, job.ID, 250, "overshoot")
	require.NoError(t, err)
	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
}

func TestSetArtifactsReplaces(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, "artifacts")

	first := []models.Artifact{
		{Kind: models.ArtifactModel, Path: "/out/texturedMesh.obj", Size: 4096},
		{Kind: models.ArtifactTexture, Path: "/out/texture_0.png", Size: 8192},
	}
	require.NoError(t, s.SetArtifacts(ctx, job.ID, first))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got.Artifacts, 2)

	second := []models.Artifact{
		{Kind: models.ArtifactModel, Path: "/out/texturedMesh.glb", Size: 2048},
	}
	require.NoError(t, s.SetArtifacts(ctx, job.ID, second))

	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got.Artifacts, 1)
	assert.Equal(t, "/out/texturedMesh.glb", got.Artifacts[0].Path)
}

func TestListJobsFilterSearchAndPaging(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		job := createJob(t, s, fmt.Sprintf("ruin %d", i))
		ids = append(ids, job.ID)
		time.Sleep(5 * time.Millisecond) // distinct created_at for ordering
	}
	advance(t, s, ids[0], models.StatusUploaded)
	advance(t, s, ids[1], models.StatusUploaded)
	statue := createJob(t, s, "statue close-up")

	jobs, total, err := s.ListJobs(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	require.Len(t, jobs, 6)
	assert.Equal(t, statue.ID, jobs[0].ID, "newest first")

	jobs, total, err = s.ListJobs(ctx, store.ListFilter{Status: models.StatusUploaded})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, jobs, 2)

	jobs, total, err = s.ListJobs(ctx, store.ListFilter{Search: "STATUE"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, jobs, 1)
	assert.Equal(t, statue.ID, jobs[0].ID)

	jobs, total, err = s.ListJobs(ctx, store.ListFilter{Page: 2, Limit: 4})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	assert.Len(t, jobs, 2)

	jobs, _, err = s.ListJobs(ctx, store.ListFilter{Page: 99, Limit: 4})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestJobIDsInStatus(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a := createJob(t, s, "a")
	b := createJob(t, s, "b")
	advance(t, s, a.ID, models.StatusUploaded, models.StatusQueued, models.StatusProcessing)
	advance(t, s, b.ID, models.StatusUploaded)

	ids, err := s.JobIDsInStatus(ctx, models.StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids)

	ids, err = s.JobIDsInStatus(ctx, models.StatusCompleted)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDeleteJobCascadesAndIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, "doomed")
	require.NoError(t, s.SetArtifacts(ctx, job.ID, []models.Artifact{
		{Kind: models.ArtifactModel, Path: "/out/mesh.obj", Size: 10},
	}))

	require.NoError(t, s.DeleteJob(ctx, job.ID))
	_, err := s.GetJob(ctx, job.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.DeleteJob(ctx, job.ID))
}
