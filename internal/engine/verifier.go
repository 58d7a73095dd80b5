package engine

import (
	"context"
	"fmt"
	"strings"
)

// VerificationResult is a structured verdict from the verification
// collaborator. A failed verification is data for the coach, not an
// error; Verify returns an error only when verification itself could
// not run.
type VerificationResult struct {
	Passed   bool     `json:"passed"`
	Summary  string   `json:"summary"`
	Failures []string `json:"failures,omitempty"`
}

// Verifier evaluates a job's implementation artifacts. The real build/test
// sandbox lives outside this core; implementations adapt it to this
// contract.
type Verifier interface {
	Verify(ctx context.Context, job *Job, artifacts []Artifact, logf Logf) (*VerificationResult, error)
}

// StaticVerifier performs cheap structural checks on the artifact set. It
// stands in for the external sandbox when none is wired: enough to drive
// the repair loop, not a substitute for compiling the output.
type StaticVerifier struct{}

// NewStaticVerifier creates the default verifier.
func NewStaticVerifier() *StaticVerifier { return &StaticVerifier{} }

// Verify implements Verifier.
func (v *StaticVerifier) Verify(ctx context.Context, job *Job, artifacts []Artifact, logf Logf) (*VerificationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logf(Info(RoleSystem, "running structural verification"))

	var failures []string
	impl := 0
	for _, art := range artifacts {
		if art.Kind != "implementation" {
			continue
		}
		impl++
		if strings.TrimSpace(art.Content) == "" {
			failures = append(failures, fmt.Sprintf("%s: empty implementation artifact", art.Path))
		}
		if unbalancedBraces(art.Content) {
			failures = append(failures, fmt.Sprintf("%s: unbalanced braces", art.Path))
		}
	}
	if impl == 0 {
		failures = append(failures, "no implementation artifacts produced")
	}

	if len(failures) > 0 {
		return &VerificationResult{
			Passed:   false,
			Summary:  fmt.Sprintf("verification failed: %d issue(s)", len(failures)),
			Failures: failures,
		}, nil
	}
	return &VerificationResult{
		Passed:  true,
		Summary: fmt.Sprintf("verification passed: %d implementation artifact(s)", impl),
	}, nil
}

func unbalancedBraces(s string) bool {
	depth := 0
	for _, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 {
				return true
			}
		}
	}
	return depth != 0
}
