package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"g3-engine/internal/ai"
)

type fakeExecutor struct {
	role    Role
	task    ai.TaskType
	reentry Phase

	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, in *RoleInput) (*RoleOutput, error)
}

func (f *fakeExecutor) Role() Role            { return f.role }
func (f *fakeExecutor) TaskType() ai.TaskType { return f.task }
func (f *fakeExecutor) ReentryPhase() Phase   { return f.reentry }

func (f *fakeExecutor) Execute(ctx context.Context, in *RoleInput) (*RoleOutput, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, in)
	}
	kind := map[Role]string{
		RoleArchitect: "contract",
		RoleCoder:     "implementation",
		RoleCoach:     "patch",
	}[f.role]
	return &RoleOutput{Artifacts: []Artifact{{
		ID:      uuid.New(),
		JobID:   in.Job.ID,
		Role:    f.role,
		Kind:    kind,
		Path:    "out.txt",
		Content: "{}",
	}}}, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// scriptedVerifier returns the scripted verdicts in order, then repeats
// the last one.
type scriptedVerifier struct {
	mu       sync.Mutex
	verdicts []bool
	calls    int
}

func (v *scriptedVerifier) Verify(ctx context.Context, job *Job, artifacts []Artifact, logf Logf) (*VerificationResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx := v.calls
	if idx >= len(v.verdicts) {
		idx = len(v.verdicts) - 1
	}
	v.calls++
	if v.verdicts[idx] {
		return &VerificationResult{Passed: true, Summary: "all checks passed"}, nil
	}
	return &VerificationResult{
		Passed:   false,
		Summary:  "checks failed",
		Failures: []string{"out.txt: assertion failed"},
	}, nil
}

type capturedEvent struct {
	jobID     uuid.UUID
	eventType string
}

type captureSink struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (s *captureSink) Broadcast(jobID uuid.UUID, eventType string, payload interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, capturedEvent{jobID: jobID, eventType: eventType})
}

func (s *captureSink) has(eventType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.eventType == eventType {
			return true
		}
	}
	return false
}

func newTestOrchestrator(verifier Verifier, sink EventSink, maxRounds int) (*Orchestrator, *fakeExecutor, *fakeExecutor, *fakeExecutor) {
	architect := &fakeExecutor{role: RoleArchitect, task: ai.TaskAnalysis, reentry: PhaseCoding}
	coder := &fakeExecutor{role: RoleCoder, task: ai.TaskCodegen, reentry: PhaseVerifying}
	coach := &fakeExecutor{role: RoleCoach, task: ai.TaskRepair, reentry: PhaseCoding}

	o := NewOrchestrator(NewMemoryStore(), nil, verifier, sink, maxRounds)
	o.SetExecutors(architect, coder, coach)
	return o, architect, coder, coach
}

func waitTerminal(t *testing.T, o *Orchestrator, jobID uuid.UUID) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := o.Get(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Terminal() && !o.Running(jobID) {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal phase")
	return nil
}

func TestJobCompletesWhenVerificationPasses(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	o, architect, coder, coach := newTestOrchestrator(&scriptedVerifier{verdicts: []bool{true}}, sink, 3)

	jobID, err := o.Submit(context.Background(), "build a url shortener", Options{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	job := waitTerminal(t, o, jobID)
	if job.Phase != PhaseCompleted {
		t.Fatalf("phase = %s, want %s", job.Phase, PhaseCompleted)
	}
	if job.Round != 0 {
		t.Fatalf("round = %d, want 0", job.Round)
	}
	if architect.callCount() != 1 || coder.callCount() != 1 || coach.callCount() != 0 {
		t.Fatalf("calls = architect %d, coder %d, coach %d, want 1, 1, 0",
			architect.callCount(), coder.callCount(), coach.callCount())
	}
	if !sink.has(EventComplete) {
		t.Fatal("complete event was not broadcast")
	}

	artifacts, err := o.store.ListArtifacts(context.Background(), jobID)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(artifacts) != 2 {
		t.Fatalf("persisted artifacts = %d, want 2", len(artifacts))
	}
}

func TestRepairLoopStopsAtMaxRounds(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	o, _, coder, coach := newTestOrchestrator(&scriptedVerifier{verdicts: []bool{false}}, sink, 3)

	jobID, err := o.Submit(context.Background(), "build something unverifiable", Options{MaxRounds: 2})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	job := waitTerminal(t, o, jobID)
	if job.Phase != PhaseFailed {
		t.Fatalf("phase = %s, want %s", job.Phase, PhaseFailed)
	}
	if job.FailureReason != "max repair rounds exceeded" {
		t.Fatalf("failure reason = %q", job.FailureReason)
	}
	if job.FailureRole != RoleCoach {
		t.Fatalf("failure role = %s, want %s", job.FailureRole, RoleCoach)
	}
	if job.Round != 2 {
		t.Fatalf("round = %d, want 2", job.Round)
	}
	// Two repair rounds: the coach runs twice, the coder runs the initial
	// pass plus one regeneration per round.
	if coach.callCount() != 2 {
		t.Fatalf("coach calls = %d, want 2", coach.callCount())
	}
	if coder.callCount() != 3 {
		t.Fatalf("coder calls = %d, want 3", coder.callCount())
	}
	if !sink.has(EventError) {
		t.Fatal("error event was not broadcast")
	}
}

func TestArchitectFailureIsFatal(t *testing.T) {
	t.Parallel()

	o, architect, coder, coach := newTestOrchestrator(&scriptedVerifier{verdicts: []bool{true}}, nil, 3)
	architect.fn = func(ctx context.Context, in *RoleInput) (*RoleOutput, error) {
		return nil, &RoleError{Role: RoleArchitect, Reason: "architecture generation failed", Err: errors.New("boom")}
	}

	jobID, err := o.Submit(context.Background(), "doomed requirement", Options{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	job := waitTerminal(t, o, jobID)
	if job.Phase != PhaseFailed {
		t.Fatalf("phase = %s, want %s", job.Phase, PhaseFailed)
	}
	if job.FailureRole != RoleArchitect {
		t.Fatalf("failure role = %s, want %s", job.FailureRole, RoleArchitect)
	}
	if job.FailureReason != "architecture generation failed" {
		t.Fatalf("failure reason = %q", job.FailureReason)
	}
	if coder.callCount() != 0 || coach.callCount() != 0 {
		t.Fatalf("coder/coach ran after fatal architecture failure: %d, %d",
			coder.callCount(), coach.callCount())
	}
}

func TestRepairRecoversWithinRoundBudget(t *testing.T) {
	t.Parallel()

	o, _, coder, coach := newTestOrchestrator(&scriptedVerifier{verdicts: []bool{false, true}}, nil, 3)

	jobID, err := o.Submit(context.Background(), "needs one repair round", Options{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	job := waitTerminal(t, o, jobID)
	if job.Phase != PhaseCompleted {
		t.Fatalf("phase = %s, want %s", job.Phase, PhaseCompleted)
	}
	if job.Round != 1 {
		t.Fatalf("round = %d, want 1", job.Round)
	}
	if coach.callCount() != 1 {
		t.Fatalf("coach calls = %d, want 1", coach.callCount())
	}
	if coder.callCount() != 2 {
		t.Fatalf("coder calls = %d, want 2", coder.callCount())
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	o, _, _, _ := newTestOrchestrator(&scriptedVerifier{verdicts: []bool{true}}, nil, 3)

	if _, err := o.Submit(context.Background(), "", Options{}); err == nil {
		t.Fatal("empty requirement was accepted")
	}
	if _, err := o.Submit(context.Background(), "valid", Options{MaxRounds: -1}); err == nil {
		t.Fatal("negative max rounds was accepted")
	}
}

func TestCancelStopsRunningJob(t *testing.T) {
	t.Parallel()

	o, _, coder, _ := newTestOrchestrator(&scriptedVerifier{verdicts: []bool{true}}, nil, 3)
	started := make(chan struct{})
	coder.fn = func(ctx context.Context, in *RoleInput) (*RoleOutput, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	jobID, err := o.Submit(context.Background(), "long running job", Options{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	<-started
	o.Cancel(jobID)

	job := waitTerminal(t, o, jobID)
	if job.Phase != PhaseFailed {
		t.Fatalf("phase = %s, want %s", job.Phase, PhaseFailed)
	}
	if job.FailureReason != "job cancelled by owner" {
		t.Fatalf("failure reason = %q", job.FailureReason)
	}

	// Cancelling a finished job is a no-op.
	o.Cancel(jobID)
}

func TestCancelUnknownJobIsNoop(t *testing.T) {
	t.Parallel()

	o, _, _, _ := newTestOrchestrator(&scriptedVerifier{verdicts: []bool{true}}, nil, 3)
	o.Cancel(uuid.New())
}

func TestGetUnknownJob(t *testing.T) {
	t.Parallel()

	o, _, _, _ := newTestOrchestrator(&scriptedVerifier{verdicts: []bool{true}}, nil, 3)
	if _, err := o.Get(context.Background(), uuid.New()); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}
