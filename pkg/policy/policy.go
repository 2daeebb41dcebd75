// Package policy wraps the per-jurisdiction decision rules (required
// signals, risk-band-to-outcome mapping) behind narrow Go interfaces so the
// State Machine and Decision Authority stay policy-engine-agnostic. The
// concrete, production implementation evaluates Rego modules with
// Open Policy Agent (github.com/open-policy-agent/opa), one of the
// teacher's domain dependencies; tests substitute their own fakes of the
// interfaces.
package policy

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/open-policy-agent/opa/v1/rego"
	"gopkg.in/yaml.v3"

	"github.com/jordigilh/decisionorchestrator/pkg/domain"
	"github.com/jordigilh/decisionorchestrator/pkg/statemachine"
)

var _ statemachine.SignalCompletenessPolicy = (*Engine)(nil)
var _ statemachine.SignalCompletenessPolicy = (*Store)(nil)

// OutcomeMapping is what the outcome-mapping policy returns for a given
// risk result.
type OutcomeMapping struct {
	Outcome     domain.Outcome `yaml:"outcome"`
	ReasonCodes []string       `yaml:"reason_codes"`
	Confidence  float64        `yaml:"confidence"`
}

// OutcomeMappingPolicy maps a risk result to an outcome under a
// jurisdiction's policy pack.
type OutcomeMappingPolicy interface {
	MapOutcome(ctx context.Context, jurisdiction string, risk domain.RiskResult) (OutcomeMapping, error)
}

// SignalRequirement describes which signal set a jurisdiction requires
// before signals.complete fires.
type SignalRequirement struct {
	RequiredSignals []string
}

// Pack is one jurisdiction's compiled policy: a required-signals Rego
// predicate and a risk-band-to-outcome mapping table, sharing a
// policy_ref identity for decision.policy_ref.
type Pack struct {
	Jurisdiction string
	PackID       string
	PackVersion  string

	requiredSignalsQuery rego.PreparedEvalQuery
	outcomeMapping       map[domain.RiskBand]OutcomeMapping
}

// Ref returns the policy_ref to stamp on decisions produced under this pack.
func (p *Pack) Ref() domain.PolicyRef {
	return domain.PolicyRef{Jurisdiction: p.Jurisdiction, PackID: p.PackID, PackVersion: p.PackVersion}
}

// Engine evaluates policy packs for every configured jurisdiction. It
// implements both statemachine.SignalCompletenessPolicy and
// policy.OutcomeMappingPolicy.
type Engine struct {
	packs map[string]*Pack
}

// NewEngine compiles a Rego module per jurisdiction, generated from that
// jurisdiction's RequiredSignals: it defines `signals_complete`, true when
// every required signal is present and truthy in input.signals. The
// outcome mapping is not Rego; it is the config's OutcomeMapping table,
// looked up by risk band.
func NewEngine(ctx context.Context, jurisdictions map[string]JurisdictionConfig) (*Engine, error) {
	packs := make(map[string]*Pack, len(jurisdictions))
	for jurisdiction, cfg := range jurisdictions {
		pack, err := compilePack(ctx, jurisdiction, cfg)
		if err != nil {
			return nil, fmt.Errorf("compile policy pack for %q: %w", jurisdiction, err)
		}
		packs[jurisdiction] = pack
	}
	return &Engine{packs: packs}, nil
}

// JurisdictionConfig is the raw per-jurisdiction policy data loaded from
// internal/config.
type JurisdictionConfig struct {
	PackID          string                             `yaml:"pack_id"`
	PackVersion     string                             `yaml:"pack_version"`
	RequiredSignals []string                           `yaml:"required_signals"`
	OutcomeMapping  map[domain.RiskBand]OutcomeMapping `yaml:"outcome_mapping"`
}

// packsFile is the on-disk shape of a policy pack file: one jurisdiction
// config per top-level key.
type packsFile struct {
	Jurisdictions map[string]JurisdictionConfig `yaml:"jurisdictions"`
}

// LoadPacksFromFile parses a policy pack file into per-jurisdiction configs,
// ready to pass to NewEngine. Used both at startup and by
// internal/config.WatchPolicy on every hot-reload.
func LoadPacksFromFile(path string) (map[string]JurisdictionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy pack file: %w", err)
	}
	var file packsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy pack file: %w", err)
	}
	return file.Jurisdictions, nil
}

// Store holds the currently active *Engine behind an atomic pointer so
// internal/config.WatchPolicy can swap in newly compiled packs without
// interrupting an in-flight SignalsComplete/MapOutcome call. Store itself
// implements both policy interfaces by delegating to the current Engine.
type Store struct {
	current atomic.Pointer[Engine]
}

// NewStore wraps an already-built Engine for hot-reload.
func NewStore(engine *Engine) *Store {
	s := &Store{}
	s.current.Store(engine)
	return s
}

// Replace atomically swaps in a newly compiled Engine.
func (s *Store) Replace(engine *Engine) {
	s.current.Store(engine)
}

func (s *Store) SignalsComplete(jurisdiction string, signals map[string]any) bool {
	return s.current.Load().SignalsComplete(jurisdiction, signals)
}

func (s *Store) MapOutcome(ctx context.Context, jurisdiction string, risk domain.RiskResult) (OutcomeMapping, error) {
	return s.current.Load().MapOutcome(ctx, jurisdiction, risk)
}

func compilePack(ctx context.Context, jurisdiction string, cfg JurisdictionConfig) (*Pack, error) {
	module := fmt.Sprintf(`
package orchestrator.%s

default signals_complete = false
signals_complete if {
	required := {%s}
	missing := required - {k | input.signals[k]}
	count(missing) == 0
}
`, sanitize(jurisdiction), quotedSet(cfg.RequiredSignals))

	requiredQuery, err := rego.New(
		rego.Query(fmt.Sprintf("data.orchestrator.%s.signals_complete", sanitize(jurisdiction))),
		rego.Module("required_signals.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	return &Pack{
		Jurisdiction:         jurisdiction,
		PackID:               cfg.PackID,
		PackVersion:          cfg.PackVersion,
		requiredSignalsQuery: requiredQuery,
		outcomeMapping:       cfg.OutcomeMapping,
	}, nil
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "default_jurisdiction"
	}
	return string(out)
}

func quotedSet(signals []string) string {
	out := ""
	for i, s := range signals {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%q", s)
	}
	return out
}

// SignalsComplete implements statemachine.SignalCompletenessPolicy.
func (e *Engine) SignalsComplete(jurisdiction string, signals map[string]any) bool {
	pack, ok := e.packs[jurisdiction]
	if !ok {
		return false
	}
	results, err := pack.requiredSignalsQuery.Eval(context.Background(), rego.EvalInput(map[string]any{"signals": signals}))
	if err != nil || len(results) == 0 || len(results[0].Expressions) == 0 {
		return false
	}
	complete, _ := results[0].Expressions[0].Value.(bool)
	return complete
}

// MapOutcome implements OutcomeMappingPolicy. The concrete mapping table is
// supplied as jurisdiction configuration data (risk bands are a small,
// operator-curated table, not logic worth expressing in Rego), mirroring
// the "mapping rules are data-driven per jurisdiction" requirement in
// spec §4.F without growing a second Rego module per jurisdiction.
func (e *Engine) MapOutcome(_ context.Context, jurisdiction string, risk domain.RiskResult) (OutcomeMapping, error) {
	pack, ok := e.packs[jurisdiction]
	if !ok {
		return OutcomeMapping{}, fmt.Errorf("no policy pack configured for jurisdiction %q", jurisdiction)
	}
	mapping, ok := pack.outcomeMapping[risk.Band]
	if !ok {
		return OutcomeMapping{Outcome: domain.OutcomeReview, ReasonCodes: []string{"unmapped_risk_band"}}, nil
	}
	return mapping, nil
}
