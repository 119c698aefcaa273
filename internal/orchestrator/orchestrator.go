package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"reconstruction-service/internal/config"
	"reconstruction-service/internal/models"
	"reconstruction-service/internal/pipeline"
	"reconstruction-service/internal/queue"
	"reconstruction-service/internal/store"
	"reconstruction-service/internal/telemetry"
	"reconstruction-service/internal/workspace"
)

// ErrPrecondition is returned when an entry point is called on a job in the
// wrong state. Nothing is spawned and no state is mutated.
var ErrPrecondition = errors.New("job is not in a valid state for this operation")

// ErrMissingArtifact marks a pipeline that exited zero without producing the
// reconstructed model. A clean exit code alone is not proof of success.
var ErrMissingArtifact = errors.New("pipeline produced no model artifact")

// JobStore is the slice of the record store the orchestrator drives. Status
// and progress are mutated only through here, never by request handlers.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateJobStatus(ctx context.Context, id, status string, opts ...store.UpdateOption) error
	UpdateProgress(ctx context.Context, id string, progress int, message string) (bool, error)
	SetArtifacts(ctx context.Context, id string, artifacts []models.Artifact) error
	JobIDsInStatus(ctx context.Context, status string) ([]string, error)
	DeleteJob(ctx context.Context, id string) error
}

// Lines the external pipeline emits that the orchestrator understands.
// Anything else is ignored, not an error.
var (
	progressPattern  = regexp.MustCompile(`(?i)\bprogress[:= ]\s*(\d{1,3})\s*%?`)
	modelHintPattern = regexp.MustCompile(`^FINAL_MODEL_PATH:(.+)$`)
)

// Orchestrator drives jobs from creation to a terminal state. It composes
// the workspace manager, the job record store, the process supervisor, and
// the ready queue.
type Orchestrator struct {
	cfg       config.Config
	store     JobStore
	ws        *workspace.Manager
	sup       *pipeline.Supervisor
	queue     *queue.ReadyQueue
	publisher ArtifactPublisher
	log       *slog.Logger
	sem       chan struct{}
}

// New wires an orchestrator. publisher may be nil; completed models then stay
// on the local filesystem only.
func New(cfg config.Config, st JobStore, ws *workspace.Manager, sup *pipeline.Supervisor, q *queue.ReadyQueue, publisher ArtifactPublisher, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		ws:        ws,
		sup:       sup,
		queue:     q,
		publisher: publisher,
		log:       log,
		sem:       make(chan struct{}, maxConcurrent),
	}
}

// CreateJobParams collects a new upload batch.
type CreateJobParams struct {
	Title       string
	Description string
	Inputs      []workspace.Input
}

// CreateJob validates the upload, materializes the workspace, persists the
// record, and advances it pending -> uploaded. On any failure nothing is left
// behind: the workspace is destroyed and no record survives.
func (o *Orchestrator) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if strings.TrimSpace(p.Title) == "" {
		return models.Job{}, &workspace.ValidationError{Reason: "title is required"}
	}

	id := uuid.New().String()
	files, err := o.ws.Create(id, p.Inputs)
	if err != nil {
		return models.Job{}, err
	}

	previewPath := ""
	if preview, err := o.ws.GeneratePreview(id, files[0].Path); err != nil {
		o.log.Warn("preview generation failed", "job_id", id, "error", err)
	} else {
		previewPath = preview
	}

	job, err := o.store.CreateJob(ctx, store.CreateJobParams{
		ID:          id,
		Title:       p.Title,
		Description: p.Description,
		PreviewPath: previewPath,
		Inputs:      files,
	})
	if err != nil {
		_ = o.ws.Destroy(id)
		return models.Job{}, fmt.Errorf("persist job: %w", err)
	}

	if err := o.store.UpdateJobStatus(ctx, id, models.StatusUploaded,
		store.WithMessage(fmt.Sprintf("%d images uploaded", len(files)))); err != nil {
		_ = o.store.DeleteJob(ctx, id)
		_ = o.ws.Destroy(id)
		return models.Job{}, fmt.Errorf("mark uploaded: %w", err)
	}

	telemetry.JobsCreated.Inc()
	job.Status = models.StatusUploaded
	return job, nil
}

// StartReconstruction requests the pipeline run for an uploaded job. It
// transitions the job to queued synchronously and returns immediately; the
// runner loop advances it to processing once the process has launched.
func (o *Orchestrator) StartReconstruction(ctx context.Context, jobID string) (models.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}

	if _, running := o.sup.Active(jobID); running ||
		job.Status == models.StatusQueued || job.Status == models.StatusProcessing {
		return models.Job{}, pipeline.ErrAlreadyRunning
	}
	if job.Status != models.StatusUploaded {
		return models.Job{}, fmt.Errorf("%w: status is %s", ErrPrecondition, job.Status)
	}
	if !o.ws.Exists(jobID) {
		return models.Job{}, fmt.Errorf("%w: workspace is missing", ErrPrecondition)
	}

	err = o.store.UpdateJobStatus(ctx, jobID, models.StatusQueued,
		store.WithMessage("queued for reconstruction"))
	if errors.Is(err, store.ErrInvalidTransition) {
		// Lost a race with a concurrent start request.
		return models.Job{}, pipeline.ErrAlreadyRunning
	}
	if err != nil {
		return models.Job{}, err
	}

	if err := o.queue.Push(ctx, jobID); err != nil {
		failErr := o.store.UpdateJobStatus(ctx, jobID, models.StatusFailed,
			store.WithErrorDetail("enqueue failed: "+err.Error()),
			store.WithMessage("could not queue reconstruction"))
		if failErr != nil {
			o.log.Error("mark enqueue failure", "job_id", jobID, "error", failErr)
		}
		return models.Job{}, fmt.Errorf("enqueue job: %w", err)
	}

	job.Status = models.StatusQueued
	job.Message = "queued for reconstruction"
	return job, nil
}

// Run is the runner loop: it drains the ready queue and supervises one
// pipeline process per job, bounded by MaxConcurrent, until the context is
// cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	poll := o.cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o.sem <- struct{}{}:
		}

		if depth, err := o.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := o.queue.Pop(ctx)
		if err != nil || jobID == "" {
			<-o.sem
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(poll):
			}
			continue
		}

		go func(id string) {
			defer func() { <-o.sem }()
			o.execute(ctx, id)
		}(jobID)
	}
}

// execute launches the pipeline for one dequeued job and consumes its event
// stream to a terminal transition. Errors on this path are recorded into the
// job, never returned to a request handler.
func (o *Orchestrator) execute(ctx context.Context, jobID string) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		o.log.Warn("dequeued job no longer exists", "job_id", jobID, "error", err)
		return
	}
	if job.Status != models.StatusQueued {
		o.log.Warn("dequeued job in unexpected state", "job_id", jobID, "status", job.Status)
		return
	}

	outputDir, err := o.ws.OutputDir(jobID)
	if err != nil {
		o.fail(ctx, jobID, "output directory unavailable: "+err.Error())
		return
	}
	args := expandArgs(o.cfg.PipelineArgs, o.ws.InputDir(jobID), outputDir)

	handle, err := o.sup.Launch(jobID, o.cfg.PipelineCommand, args, o.ws.Dir(jobID))
	if err != nil {
		if errors.Is(err, pipeline.ErrAlreadyRunning) {
			o.log.Warn("pipeline already running", "job_id", jobID)
			return
		}
		o.fail(ctx, jobID, err.Error())
		return
	}

	if err := o.store.UpdateJobStatus(ctx, jobID, models.StatusProcessing,
		store.WithMessage("reconstruction pipeline started"),
		store.WithProgress(5)); err != nil {
		// Job was cancelled or deleted between dequeue and launch.
		o.log.Warn("mark processing", "job_id", jobID, "error", err)
		handle.Cancel()
	}

	telemetry.ActivePipelines.Inc()
	defer telemetry.ActivePipelines.Dec()

	o.log.Info("pipeline launched", "job_id", jobID, "pid", handle.PID, "command", o.cfg.PipelineCommand)

	modelHint := ""
	for ev := range handle.Events() {
		switch ev.Kind {
		case pipeline.EventLine:
			if m := modelHintPattern.FindStringSubmatch(ev.Line); m != nil {
				modelHint = strings.TrimSpace(m[1])
				continue
			}
			if m := progressPattern.FindStringSubmatch(ev.Line); m != nil {
				pct, _ := strconv.Atoi(m[1])
				if _, err := o.store.UpdateProgress(ctx, jobID, pct, fmt.Sprintf("reconstruction %d%% complete", min(pct, 100))); err != nil {
					o.log.Warn("progress update failed", "job_id", jobID, "error", err)
				}
			}
		case pipeline.EventExit:
			o.finalize(ctx, jobID, handle, ev, outputDir, modelHint)
		}
	}
}

// finalize performs the single terminal transition for a finished process.
func (o *Orchestrator) finalize(ctx context.Context, jobID string, handle *pipeline.Handle, ev pipeline.Event, outputDir, modelHint string) {
	if ev.Cancelled {
		err := o.store.UpdateJobStatus(ctx, jobID, models.StatusFailed,
			store.WithErrorDetail("reconstruction cancelled by request"),
			store.WithMessage("reconstruction cancelled"))
		o.logTransitionErr(jobID, err)
		telemetry.JobsCancelled.Inc()
		return
	}

	if ev.ExitCode != 0 {
		detail := handle.StderrTail()
		if detail == "" {
			detail = fmt.Sprintf("pipeline exited with code %d", ev.ExitCode)
		}
		err := o.store.UpdateJobStatus(ctx, jobID, models.StatusFailed,
			store.WithErrorDetail(detail),
			store.WithMessage(fmt.Sprintf("pipeline failed with exit code %d", ev.ExitCode)))
		o.logTransitionErr(jobID, err)
		telemetry.JobsFailed.Inc()
		return
	}

	artifacts := scanOutputs(outputDir, modelHint)
	model, hasModel := primaryModel(artifacts)
	if !hasModel {
		err := o.store.UpdateJobStatus(ctx, jobID, models.StatusFailed,
			store.WithErrorDetail(ErrMissingArtifact.Error()),
			store.WithMessage("pipeline finished without a model"))
		o.logTransitionErr(jobID, err)
		telemetry.JobsFailed.Inc()
		return
	}

	message := "reconstruction finished"
	if o.publisher != nil {
		if location, err := o.publisher.Publish(ctx, jobID, model); err != nil {
			o.log.Warn("artifact publish failed", "job_id", jobID, "error", err)
		} else {
			message = "reconstruction finished, model published to " + location
		}
	}

	if err := o.store.SetArtifacts(ctx, jobID, artifacts); err != nil {
		o.log.Error("register artifacts", "job_id", jobID, "error", err)
	}
	err := o.store.UpdateJobStatus(ctx, jobID, models.StatusCompleted,
		store.WithProgress(100),
		store.WithMessage(message))
	o.logTransitionErr(jobID, err)
	telemetry.JobsCompleted.Inc()
	o.log.Info("reconstruction completed", "job_id", jobID, "model", model.Path)
}

// fail records a terminal failure for a job that never reached processing.
func (o *Orchestrator) fail(ctx context.Context, jobID, detail string) {
	err := o.store.UpdateJobStatus(ctx, jobID, models.StatusFailed,
		store.WithErrorDetail(detail),
		store.WithMessage("reconstruction failed to start"))
	o.logTransitionErr(jobID, err)
	telemetry.JobsFailed.Inc()
}

// logTransitionErr swallows async-path transition errors after logging them;
// progress and exit callbacks are fire-and-forget.
func (o *Orchestrator) logTransitionErr(jobID string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
		o.log.Warn("terminal transition rejected", "job_id", jobID, "error", err)
		return
	}
	o.log.Error("terminal transition failed", "job_id", jobID, "error", err)
}

// Cancel stops a queued or processing job. The terminal state is failed;
// cancellation is not a distinct status. Cancelling an already-terminal job
// is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if models.IsTerminal(job.Status) {
		return nil
	}

	if handle, ok := o.sup.Active(jobID); ok {
		// The exit event drives the terminal transition.
		handle.Cancel()
		return nil
	}

	if job.Status == models.StatusQueued {
		if _, err := o.queue.Remove(ctx, jobID); err != nil {
			return fmt.Errorf("dequeue job: %w", err)
		}
		err := o.store.UpdateJobStatus(ctx, jobID, models.StatusFailed,
			store.WithErrorDetail("reconstruction cancelled before start"),
			store.WithMessage("reconstruction cancelled"))
		if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			return err
		}
		telemetry.JobsCancelled.Inc()
		return nil
	}

	return fmt.Errorf("%w: status is %s", ErrPrecondition, job.Status)
}

// Delete removes a job, its record, and its workspace. Running pipelines are
// killed best-effort first. Safe to call repeatedly.
func (o *Orchestrator) Delete(ctx context.Context, jobID string) error {
	if handle, ok := o.sup.Active(jobID); ok {
		handle.Cancel()
	}
	if _, err := o.queue.Remove(ctx, jobID); err != nil {
		o.log.Warn("dequeue on delete", "job_id", jobID, "error", err)
	}
	if err := o.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	return o.ws.Destroy(jobID)
}

// Reconcile repairs jobs stranded in processing by a previous crash: with no
// live supervisor they can never finish, so they are failed with an
// interruption detail. Called once at startup before the runner starts.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	ids, err := o.store.JobIDsInStatus(ctx, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("list processing jobs: %w", err)
	}
	for _, id := range ids {
		if _, ok := o.sup.Active(id); ok {
			continue
		}
		err := o.store.UpdateJobStatus(ctx, id, models.StatusFailed,
			store.WithErrorDetail("reconstruction interrupted by server restart"),
			store.WithMessage("reconstruction interrupted"))
		if err != nil {
			o.log.Error("reconcile orphaned job", "job_id", id, "error", err)
			continue
		}
		o.log.Warn("orphaned job failed on startup", "job_id", id)
	}
	return nil
}

// expandArgs substitutes the workspace placeholders into the configured
// pipeline argument template.
func expandArgs(template []string, inputDir, outputDir string) []string {
	args := make([]string, len(template))
	for i, a := range template {
		a = strings.ReplaceAll(a, "{inputs}", inputDir)
		a = strings.ReplaceAll(a, "{outputs}", outputDir)
		args[i] = a
	}
	return args
}
