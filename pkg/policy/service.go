// Package policy evaluates a Rego admission policy against a manifest
// pull (GET/HEAD) before it is served, restricted to non-signing
// predicates (repository name, tag name, declared environment) per the
// Non-goals in SPEC_FULL.md.
//
// Adapted from ckmine11-registry-x's pkg/policy/service.go: same
// open-policy-agent/opa embedding (rego.New/PrepareForEval), with the
// default policy's vulnerability-scan and cosign-signature predicates
// removed.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// defaultPolicy denies the "latest" reference in a repository whose name
// contains "prod" unless the caller is an admin, and otherwise allows
// everything. NewService uses a non-empty customPolicy Rego module in its
// place.
const defaultPolicy = `
package registry.admission

default allow = true

allow = false {
	input.tag == "latest"
	contains(input.repository, "prod")
	not input.is_admin
}
`

type Input struct {
	Repository  string `json:"repository"`
	Tag         string `json:"tag"`
	IsAdmin     bool   `json:"is_admin"`
	Environment string `json:"environment"`
}

type Service struct {
	query rego.PreparedEvalQuery
}

func NewService(ctx context.Context, customPolicy string) (*Service, error) {
	module := defaultPolicy
	if customPolicy != "" {
		module = customPolicy
	}

	r := rego.New(
		rego.Query("data.registry.admission.allow"),
		rego.Module("admission.rego", module),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare admission policy: %w", err)
	}

	return &Service{query: query}, nil
}

// Evaluate returns whether the request described by in is allowed under
// the configured policy.
func (s *Service) Evaluate(ctx context.Context, in Input) (bool, error) {
	results, err := s.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return false, fmt.Errorf("policy evaluation failed: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, fmt.Errorf("policy produced no result")
	}
	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("policy result was not boolean")
	}
	return allowed, nil
}
