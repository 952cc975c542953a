// Package scenario runs YAML consent scenarios: a ledger fixture and the
// verdicts expected against it. Used to check governance rules in CI.
package scenario

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/consentgate/internal/ledger"
	"github.com/ppiankov/consentgate/internal/model"
	"github.com/ppiankov/consentgate/internal/policy"
)

// Run builds the scenario's ledger in memory and evaluates every case
// against it. Fixture errors abort the run; case mismatches are reported in
// the result.
func Run(s *Scenario) (*RunResult, error) {
	start := time.Now().UTC()
	if s.Now != "" {
		t, err := time.Parse(time.RFC3339, s.Now)
		if err != nil {
			return nil, fmt.Errorf("scenario %q: now: %w", s.Name, err)
		}
		start = t.UTC()
	}
	now := start
	clock := func() time.Time { return now }

	ctx := context.Background()
	store := ledger.NewMemoryStore(clock)
	for i, f := range s.Ledger {
		if err := apply(ctx, store, f, start); err != nil {
			return nil, fmt.Errorf("scenario %q: ledger[%d]: %w", s.Name, i, err)
		}
	}

	eval := policy.NewEvaluator(store, clock)
	result := &RunResult{
		Name:  s.Name,
		Total: len(s.Cases),
	}

	for i, c := range s.Cases {
		now = start
		if c.After != "" {
			d, err := time.ParseDuration(c.After)
			if err != nil {
				return nil, fmt.Errorf("scenario %q: case %d: after: %w", s.Name, i+1, err)
			}
			now = start.Add(d)
		}

		cr := CaseResult{
			Index:        i + 1,
			Entity:       c.Entity,
			Action:       c.Action,
			Expected:     strings.ToLower(c.Expect),
			ExpectedCode: c.Code,
		}

		ref, err := model.ParseEntityRef(c.Entity)
		if err != nil {
			cr.Actual = string(model.Deny)
			cr.Code = string(model.CodeNotFound)
			cr.Reason = err.Error()
		} else {
			v := eval.Evaluate(ctx, ref, model.PermittedUse(c.Action), c.Actor)
			cr.Actual = string(v.Decision())
			cr.Code = string(v.Code())
			cr.Reason = v.Reason
		}

		cr.Passed = cr.Actual == cr.Expected && (cr.ExpectedCode == "" || cr.ExpectedCode == cr.Code)
		if cr.Passed {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Cases = append(result.Cases, cr)
	}

	return result, nil
}

func apply(ctx context.Context, store ledger.Store, f Fixture, now time.Time) error {
	ref, err := model.ParseEntityRef(f.Entity)
	if err != nil {
		return err
	}
	level, err := model.ParseConsentLevel(f.Level)
	if err != nil {
		return err
	}
	in := model.ConsentInput{
		Entity:            ref,
		Level:             level,
		CulturalAuthority: f.CulturalAuthority,
		GrantedBy:         f.GrantedBy,
	}
	for _, u := range f.PermittedUses {
		use, err := model.ParsePermittedUse(u)
		if err != nil {
			return err
		}
		in.PermittedUses = append(in.PermittedUses, use)
	}
	if f.ExpiresIn != "" {
		d, err := time.ParseDuration(f.ExpiresIn)
		if err != nil {
			return fmt.Errorf("expires_in: %w", err)
		}
		exp := now.Add(d)
		in.ExpiresAt = &exp
	}
	if f.TrainingOverride != nil {
		in.TrainingOverride = &model.TrainingOverride{
			GrantedBy: f.TrainingOverride.GrantedBy,
			Note:      f.TrainingOverride.Note,
		}
	}

	if _, err := store.Create(ctx, in); err != nil {
		return err
	}
	if f.Revoke != nil {
		if _, err := store.RevokeCurrent(ctx, ref, model.Revocation{RevokedBy: f.Revoke.By, Reason: f.Revoke.Reason}); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a scenario YAML file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = path
	}
	return &s, nil
}

// LoadAndRun loads a scenario YAML file and runs it.
func LoadAndRun(path string) (*RunResult, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	result, err := Run(s)
	if err != nil {
		return nil, err
	}
	result.File = path
	return result, nil
}
