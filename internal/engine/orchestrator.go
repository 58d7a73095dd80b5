package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"g3-engine/internal/logging"
	"g3-engine/internal/metrics"
)

// Event types delivered to subscribers.
const (
	EventThinking      = "thinking"
	EventPhaseStart    = "phase-start"
	EventLog           = "log"
	EventPhaseComplete = "phase-complete"
	EventError         = "error"
	EventComplete      = "complete"
)

// EventSink receives job events for fan-out. Delivery is best-effort
// observability; the orchestrator never depends on it for correctness.
type EventSink interface {
	Broadcast(jobID uuid.UUID, eventType string, payload interface{})
}

// NopSink discards all events.
type NopSink struct{}

// Broadcast implements EventSink.
func (NopSink) Broadcast(uuid.UUID, string, interface{}) {}

// Options tunes one submitted job.
type Options struct {
	// MaxRounds overrides the engine default when positive.
	MaxRounds int
}

// Orchestrator owns every running job's state machine. One goroutine per
// job; roles within a job run sequentially. The rate limiter behind the
// gateway is the only cross-job shared resource.
type Orchestrator struct {
	store     Store
	architect RoleExecutor
	coder     RoleExecutor
	coach     RoleExecutor
	verifier  Verifier
	events    EventSink
	maxRounds int

	mu      sync.RWMutex
	running map[uuid.UUID]*runningJob
}

type runningJob struct {
	cancel context.CancelFunc
}

// NewOrchestrator wires the state machine. A nil sink disables event
// fan-out; a nil verifier selects the structural default.
func NewOrchestrator(store Store, gateway *ModelGateway, verifier Verifier, events EventSink, maxRounds int) *Orchestrator {
	if events == nil {
		events = NopSink{}
	}
	if verifier == nil {
		verifier = NewStaticVerifier()
	}
	if maxRounds <= 0 {
		maxRounds = 3
	}
	return &Orchestrator{
		store:     store,
		architect: NewArchitectExecutor(gateway),
		coder:     NewCoderExecutor(gateway),
		coach:     NewCoachExecutor(gateway),
		verifier:  verifier,
		events:    events,
		maxRounds: maxRounds,
		running:   make(map[uuid.UUID]*runningJob),
	}
}

// SetExecutors replaces the role executors; used by tests and by callers
// wiring custom role implementations.
func (o *Orchestrator) SetExecutors(architect, coder, coach RoleExecutor) {
	o.architect = architect
	o.coder = coder
	o.coach = coach
}

// Submit validates and accepts a new job, spawning its state machine.
func (o *Orchestrator) Submit(ctx context.Context, requirement string, opts Options) (uuid.UUID, error) {
	if requirement == "" {
		return uuid.Nil, errors.New("requirement must not be empty")
	}
	maxRounds := o.maxRounds
	if opts.MaxRounds != 0 {
		if opts.MaxRounds < 0 {
			return uuid.Nil, fmt.Errorf("max rounds must be positive, got %d", opts.MaxRounds)
		}
		maxRounds = opts.MaxRounds
	}

	job := &Job{
		ID:          uuid.New(),
		Requirement: requirement,
		Phase:       PhasePending,
		MaxRounds:   maxRounds,
		CreatedAt:   time.Now(),
	}
	if err := o.store.SaveJob(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("persist new job: %w", err)
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.running[job.ID] = &runningJob{cancel: cancel}
	o.mu.Unlock()

	logging.WithJob(job.ID.String()).Info("job accepted",
		zap.Int("max_rounds", maxRounds))
	metrics.Get().ActiveJobs.Inc()

	go o.run(jobCtx, job)
	return job.ID, nil
}

// Cancel stops a running job. Idempotent: terminal or unknown jobs are a
// no-op. Artifacts already produced stay intact; a provider call already
// in flight is not interrupted retroactively, only the next step is.
func (o *Orchestrator) Cancel(jobID uuid.UUID) {
	o.mu.RLock()
	r, ok := o.running[jobID]
	o.mu.RUnlock()
	if !ok {
		return
	}
	logging.WithJob(jobID.String()).Info("cancellation requested")
	r.cancel()
}

// Get returns the job's persisted state. The store is written at every
// phase transition, so the record is at most one in-flight role call
// behind the live goroutine.
func (o *Orchestrator) Get(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	return o.store.LoadJob(ctx, jobID)
}

// Running reports whether the job's state machine is still live.
func (o *Orchestrator) Running(jobID uuid.UUID) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.running[jobID]
	return ok
}

// run drives one job from PENDING to a terminal phase.
func (o *Orchestrator) run(ctx context.Context, job *Job) {
	defer func() {
		o.finish(job.ID)
		metrics.Get().ActiveJobs.Dec()
	}()

	logf := func(entry LogEntry) {
		event := EventLog
		if entry.Level == LevelThinking {
			event = EventThinking
		}
		o.events.Broadcast(job.ID, event, entry)
		metrics.Get().EventsTotal.WithLabelValues(event).Inc()
	}

	var artifacts []Artifact

	// Phase 1: architecture. No repair path; failure here is fatal.
	archStart := o.enterPhase(ctx, job, PhaseArchitecting, logf)
	archOut, err := o.architect.Execute(ctx, &RoleInput{Job: job, Artifacts: artifacts, Logf: logf})
	if err != nil {
		o.fail(ctx, job, err, logf)
		return
	}
	artifacts = o.persist(ctx, job, artifacts, archOut.Artifacts, logf)
	o.leavePhase(job, PhaseArchitecting, archStart)

	// Phase 2: implementation.
	codeStart := o.enterPhase(ctx, job, PhaseCoding, logf)
	coderOut, err := o.coder.Execute(ctx, &RoleInput{Job: job, Artifacts: artifacts, Logf: logf})
	if err != nil {
		o.fail(ctx, job, err, logf)
		return
	}
	artifacts = o.persist(ctx, job, artifacts, coderOut.Artifacts, logf)
	o.leavePhase(job, PhaseCoding, codeStart)

	// Phase 3: verification with the bounded repair loop.
	for {
		verifyStart := o.enterPhase(ctx, job, PhaseVerifying, logf)
		result, err := o.verifier.Verify(ctx, job, artifacts, logf)
		if err != nil {
			o.fail(ctx, job, &RoleError{Role: RoleSystem, Reason: "verification could not run", Err: err}, logf)
			return
		}
		if result.Passed {
			logf(Success(RoleSystem, result.Summary))
			o.leavePhase(job, PhaseVerifying, verifyStart)
			o.complete(ctx, job, logf)
			return
		}

		logf(Error(RoleCoach, result.Summary))
		if job.Round >= job.MaxRounds {
			o.fail(ctx, job, &RoleError{Role: RoleCoach, Reason: "max repair rounds exceeded"}, logf)
			return
		}

		coachStart := o.enterPhase(ctx, job, PhaseCoaching, logf)
		coachOut, err := o.coach.Execute(ctx, &RoleInput{
			Job:          job,
			Artifacts:    artifacts,
			Verification: result,
			Logf:         logf,
		})
		if err != nil {
			o.fail(ctx, job, err, logf)
			return
		}
		job.Round++
		artifacts = o.persist(ctx, job, artifacts, coachOut.Artifacts, logf)
		o.leavePhase(job, PhaseCoaching, coachStart)
		logf(Info(RoleCoach, fmt.Sprintf("repair round %d/%d prepared", job.Round, job.MaxRounds)))

		// The coach declares where the loop re-enters: through the coder
		// when its patches need regeneration, straight back to verification
		// otherwise.
		if o.coach.ReentryPhase() == PhaseCoding {
			regenStart := o.enterPhase(ctx, job, PhaseCoding, logf)
			repairOut, err := o.coder.Execute(ctx, &RoleInput{Job: job, Artifacts: artifacts, Logf: logf})
			if err != nil {
				o.fail(ctx, job, err, logf)
				return
			}
			artifacts = dropKind(artifacts, "implementation")
			artifacts = o.persist(ctx, job, artifacts, repairOut.Artifacts, logf)
			o.leavePhase(job, PhaseCoding, regenStart)
		}
	}
}

// enterPhase transitions the job and announces the phase to subscribers.
// The returned start time feeds the phase duration histogram on exit.
func (o *Orchestrator) enterPhase(ctx context.Context, job *Job, phase Phase, logf Logf) time.Time {
	job.Phase = phase
	if err := o.store.SaveJob(ctx, job); err != nil {
		// Persistence hiccups must not kill a running job mid-phase.
		logging.WithJob(job.ID.String()).Warn("phase save failed", zap.Error(err))
	}
	o.events.Broadcast(job.ID, EventPhaseStart, map[string]interface{}{
		"phase": phase,
		"round": job.Round,
	})
	metrics.Get().EventsTotal.WithLabelValues(EventPhaseStart).Inc()
	logf(Info(RoleSystem, fmt.Sprintf("phase %s started", phase)))
	return time.Now()
}

func (o *Orchestrator) leavePhase(job *Job, phase Phase, start time.Time) {
	o.events.Broadcast(job.ID, EventPhaseComplete, map[string]interface{}{
		"phase": phase,
		"round": job.Round,
	})
	metrics.Get().EventsTotal.WithLabelValues(EventPhaseComplete).Inc()
	metrics.Get().PhaseDuration.WithLabelValues(string(phase)).Observe(time.Since(start).Seconds())
}

// persist saves new artifacts and appends them to the working set.
func (o *Orchestrator) persist(ctx context.Context, job *Job, artifacts, produced []Artifact, logf Logf) []Artifact {
	for i := range produced {
		if err := o.store.SaveArtifact(ctx, &produced[i]); err != nil {
			logging.WithJob(job.ID.String()).Warn("artifact save failed",
				zap.String("path", produced[i].Path), zap.Error(err))
			logf(Warn(RoleSystem, fmt.Sprintf("artifact %s not persisted: %v", produced[i].Path, err)))
		}
	}
	return append(artifacts, produced...)
}

// complete finalizes a successful job.
func (o *Orchestrator) complete(ctx context.Context, job *Job, logf Logf) {
	job.Phase = PhaseCompleted
	if err := o.store.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		logging.WithJob(job.ID.String()).Error("completed job save failed", zap.Error(err))
	}

	o.events.Broadcast(job.ID, EventComplete, map[string]interface{}{
		"job_id": job.ID,
		"rounds": job.Round,
	})
	metrics.Get().EventsTotal.WithLabelValues(EventComplete).Inc()
	metrics.Get().JobsTotal.WithLabelValues("completed").Inc()
	metrics.Get().RepairRounds.Observe(float64(job.Round))
	logging.WithJob(job.ID.String()).Info("job completed", zap.Int("rounds", job.Round))
}

// fail finalizes a failed job. Context cancellation maps to the
// cancellation reason regardless of which step observed it first.
func (o *Orchestrator) fail(ctx context.Context, job *Job, cause error, logf Logf) {
	reason := cause.Error()
	role := RoleSystem
	var re *RoleError
	if errors.As(cause, &re) {
		reason = re.Reason
		role = re.Role
	}
	status := "failed"
	if ctx.Err() != nil {
		reason = "job cancelled by owner"
		role = RoleSystem
		status = "cancelled"
	}

	job.Phase = PhaseFailed
	job.FailureReason = reason
	job.FailureRole = role
	if err := o.store.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		logging.WithJob(job.ID.String()).Error("failed job save failed", zap.Error(err))
	}

	logf(Error(role, reason))
	o.events.Broadcast(job.ID, EventError, map[string]interface{}{
		"job_id": job.ID,
		"role":   role,
		"reason": reason,
	})
	metrics.Get().EventsTotal.WithLabelValues(EventError).Inc()
	metrics.Get().JobsTotal.WithLabelValues(status).Inc()
	metrics.Get().RepairRounds.Observe(float64(job.Round))
	logging.WithJob(job.ID.String()).Warn("job failed",
		zap.String("role", string(role)), zap.String("reason", reason))
}

// finish releases the job's cancel func and running-table entry.
func (o *Orchestrator) finish(jobID uuid.UUID) {
	o.mu.Lock()
	if r, ok := o.running[jobID]; ok {
		r.cancel()
		delete(o.running, jobID)
	}
	o.mu.Unlock()
}

func dropKind(artifacts []Artifact, kind string) []Artifact {
	out := artifacts[:0]
	for _, a := range artifacts {
		if a.Kind != kind {
			out = append(out, a)
		}
	}
	return out
}
