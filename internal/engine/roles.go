package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"g3-engine/internal/ai"
)

// RoleError carries the identity of the agent role that failed together
// with a human-readable reason. The state machine branches on it without
// inspecting provider internals.
type RoleError struct {
	Role   Role
	Reason string
	Err    error
}

func (e *RoleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Role, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Role, e.Reason)
}

func (e *RoleError) Unwrap() error { return e.Err }

// RoleInput is everything an executor may read: the job, the artifacts
// produced so far and, for the coach, the failed verification.
type RoleInput struct {
	Job          *Job
	Artifacts    []Artifact
	Verification *VerificationResult
	Logf         Logf
}

// RoleOutput is what an executor hands back to the state machine.
type RoleOutput struct {
	Artifacts []Artifact
	Notes     string
}

// RoleExecutor is one step of the pipeline. ReentryPhase declares where
// the repair loop re-enters after this role runs during COACHING; it is a
// per-role contract, not a global rule.
type RoleExecutor interface {
	Role() Role
	TaskType() ai.TaskType
	ReentryPhase() Phase
	Execute(ctx context.Context, in *RoleInput) (*RoleOutput, error)
}

// ArchitectExecutor produces the contract/schema artifact set from the
// raw requirement. Architecture failures have no repair path.
type ArchitectExecutor struct {
	gateway *ModelGateway
}

// NewArchitectExecutor builds the architect role.
func NewArchitectExecutor(gateway *ModelGateway) *ArchitectExecutor {
	return &ArchitectExecutor{gateway: gateway}
}

func (a *ArchitectExecutor) Role() Role            { return RoleArchitect }
func (a *ArchitectExecutor) TaskType() ai.TaskType { return ai.TaskAnalysis }
func (a *ArchitectExecutor) ReentryPhase() Phase   { return PhaseCoding }

const architectSystem = `You are a software architect. Given a product requirement,
produce the API contract and data schema the implementation must honor.
Emit each file as a fenced block opening with ` + "```file:<path>" + `.`

// Execute implements RoleExecutor.
func (a *ArchitectExecutor) Execute(ctx context.Context, in *RoleInput) (*RoleOutput, error) {
	in.Logf(Thinking(RoleArchitect, "analyzing requirement and deriving contracts"))

	resp, err := a.gateway.Call(ctx, RoleArchitect, a.TaskType(), &ai.ChatRequest{
		System: architectSystem,
		Messages: []ai.ChatMessage{
			{Role: "user", Content: "Requirement:\n" + in.Job.Requirement},
		},
	}, in.Logf)
	if err != nil {
		return nil, &RoleError{Role: RoleArchitect, Reason: "architecture generation failed", Err: err}
	}

	artifacts := parseArtifacts(in.Job.ID, RoleArchitect, "contract", resp.Content)
	if len(artifacts) == 0 {
		return nil, &RoleError{Role: RoleArchitect, Reason: "model produced no contract artifacts"}
	}

	in.Logf(Success(RoleArchitect, fmt.Sprintf("architecture locked: %d contract artifact(s)", len(artifacts))))
	return &RoleOutput{Artifacts: artifacts, Notes: "contracts locked"}, nil
}

// CoderExecutor consumes architecture artifacts and produces the
// implementation artifacts.
type CoderExecutor struct {
	gateway *ModelGateway
}

// NewCoderExecutor builds the coder role.
func NewCoderExecutor(gateway *ModelGateway) *CoderExecutor {
	return &CoderExecutor{gateway: gateway}
}

func (c *CoderExecutor) Role() Role            { return RoleCoder }
func (c *CoderExecutor) TaskType() ai.TaskType { return ai.TaskCodegen }
func (c *CoderExecutor) ReentryPhase() Phase   { return PhaseVerifying }

const coderSystem = `You are a backend engineer. Implement the given contracts
exactly. Emit each file as a fenced block opening with ` + "```file:<path>" + `.`

// Execute implements RoleExecutor.
func (c *CoderExecutor) Execute(ctx context.Context, in *RoleInput) (*RoleOutput, error) {
	in.Logf(Thinking(RoleCoder, "generating implementation against locked contracts"))

	var prompt strings.Builder
	prompt.WriteString("Requirement:\n")
	prompt.WriteString(in.Job.Requirement)
	prompt.WriteString("\n\nContracts:\n")
	for _, art := range in.Artifacts {
		if art.Kind != "contract" && art.Kind != "patch" {
			continue
		}
		fmt.Fprintf(&prompt, "--- %s ---\n%s\n", art.Path, art.Content)
	}

	resp, err := c.gateway.Call(ctx, RoleCoder, c.TaskType(), &ai.ChatRequest{
		System: coderSystem,
		Messages: []ai.ChatMessage{
			{Role: "user", Content: prompt.String()},
		},
	}, in.Logf)
	if err != nil {
		return nil, &RoleError{Role: RoleCoder, Reason: "code generation failed", Err: err}
	}

	artifacts := parseArtifacts(in.Job.ID, RoleCoder, "implementation", resp.Content)
	if len(artifacts) == 0 {
		return nil, &RoleError{Role: RoleCoder, Reason: "model produced no implementation artifacts"}
	}

	in.Logf(Success(RoleCoder, fmt.Sprintf("generated %d implementation artifact(s)", len(artifacts))))
	return &RoleOutput{Artifacts: artifacts}, nil
}

// CoachExecutor analyzes a verification failure and produces patch
// artifacts. Its declared re-entry is CODING: patches are inputs for the
// coder, not directly verifiable output.
type CoachExecutor struct {
	gateway *ModelGateway
}

// NewCoachExecutor builds the coach role.
func NewCoachExecutor(gateway *ModelGateway) *CoachExecutor {
	return &CoachExecutor{gateway: gateway}
}

func (c *CoachExecutor) Role() Role            { return RoleCoach }
func (c *CoachExecutor) TaskType() ai.TaskType { return ai.TaskRepair }
func (c *CoachExecutor) ReentryPhase() Phase   { return PhaseCoding }

const coachSystem = `You are a repair coach. Given failing verification output and
the current implementation, produce targeted patch instructions.
Emit each patch as a fenced block opening with ` + "```file:<path>" + `.`

// Execute implements RoleExecutor.
func (c *CoachExecutor) Execute(ctx context.Context, in *RoleInput) (*RoleOutput, error) {
	if in.Verification == nil {
		return nil, &RoleError{Role: RoleCoach, Reason: "coach invoked without a verification result"}
	}

	in.Logf(Thinking(RoleCoach, "analyzing verification failures"))

	var prompt strings.Builder
	prompt.WriteString("Verification summary:\n")
	prompt.WriteString(in.Verification.Summary)
	prompt.WriteString("\n\nFailures:\n")
	for _, f := range in.Verification.Failures {
		prompt.WriteString("- " + f + "\n")
	}
	prompt.WriteString("\nCurrent implementation:\n")
	for _, art := range in.Artifacts {
		if art.Kind != "implementation" {
			continue
		}
		fmt.Fprintf(&prompt, "--- %s ---\n%s\n", art.Path, art.Content)
	}

	resp, err := c.gateway.Call(ctx, RoleCoach, c.TaskType(), &ai.ChatRequest{
		System: coachSystem,
		Messages: []ai.ChatMessage{
			{Role: "user", Content: prompt.String()},
		},
	}, in.Logf)
	if err != nil {
		return nil, &RoleError{Role: RoleCoach, Reason: "repair analysis failed", Err: err}
	}

	artifacts := parseArtifacts(in.Job.ID, RoleCoach, "patch", resp.Content)
	if len(artifacts) == 0 {
		return nil, &RoleError{Role: RoleCoach, Reason: "model produced no patch artifacts"}
	}

	in.Logf(Success(RoleCoach, fmt.Sprintf("prepared %d patch artifact(s)", len(artifacts))))
	return &RoleOutput{Artifacts: artifacts}, nil
}

// parseArtifacts splits model output into artifacts. Files arrive as
// fenced blocks opening with "```file:<path>"; output with no such blocks
// becomes a single unnamed artifact.
func parseArtifacts(jobID uuid.UUID, role Role, kind, content string) []Artifact {
	var artifacts []Artifact

	lines := strings.Split(content, "\n")
	var path string
	var body []string
	inBlock := false

	flush := func() {
		text := strings.TrimSpace(strings.Join(body, "\n"))
		if text != "" {
			artifacts = append(artifacts, Artifact{
				ID:        uuid.New(),
				JobID:     jobID,
				Role:      role,
				Kind:      kind,
				Path:      path,
				Content:   text,
				CreatedAt: time.Now(),
			})
		}
		path = ""
		body = nil
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case !inBlock && strings.HasPrefix(trimmed, "```file:"):
			inBlock = true
			path = strings.TrimSpace(strings.TrimPrefix(trimmed, "```file:"))
		case inBlock && trimmed == "```":
			inBlock = false
			flush()
		case inBlock:
			body = append(body, line)
		}
	}
	if inBlock {
		flush() // unterminated block, keep what we have
	}

	if len(artifacts) == 0 {
		text := strings.TrimSpace(content)
		if text != "" {
			artifacts = append(artifacts, Artifact{
				ID:        uuid.New(),
				JobID:     jobID,
				Role:      role,
				Kind:      kind,
				Content:   text,
				CreatedAt: time.Now(),
			})
		}
	}
	return artifacts
}
