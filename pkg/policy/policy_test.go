package policy

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/decisionorchestrator/pkg/domain"
)

func TestPolicy(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Policy Suite")
}

var _ = Describe("Engine", func() {
	var (
		ctx    context.Context
		engine *Engine
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		engine, err = NewEngine(ctx, map[string]JurisdictionConfig{
			"us": {
				PackID:          "kyc-default",
				PackVersion:     "1",
				RequiredSignals: []string{"liveness_score", "document_quality", "match_score"},
				OutcomeMapping: map[domain.RiskBand]OutcomeMapping{
					domain.RiskBandLow:    {Outcome: domain.OutcomeApprove, ReasonCodes: []string{"low_risk"}, Confidence: 0.9},
					domain.RiskBandMedium: {Outcome: domain.OutcomeReview, ReasonCodes: []string{"medium_risk"}, Confidence: 0.6},
					domain.RiskBandHigh:   {Outcome: domain.OutcomeDecline, ReasonCodes: []string{"high_risk"}, Confidence: 0.95},
				},
			},
		})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("SignalsComplete", func() {
		It("is false until every required signal is present", func() {
			Expect(engine.SignalsComplete("us", map[string]any{"liveness_score": 0.8})).To(BeFalse())
		})

		It("is true once every required signal is present", func() {
			signals := map[string]any{
				"liveness_score":   0.8,
				"document_quality": 0.9,
				"match_score":      0.85,
			}
			Expect(engine.SignalsComplete("us", signals)).To(BeTrue())
		})

		It("is false for an unconfigured jurisdiction", func() {
			Expect(engine.SignalsComplete("unknown", map[string]any{})).To(BeFalse())
		})
	})

	Describe("MapOutcome", func() {
		It("maps a low risk band to approve", func() {
			mapping, err := engine.MapOutcome(ctx, "us", domain.RiskResult{Band: domain.RiskBandLow})
			Expect(err).NotTo(HaveOccurred())
			Expect(mapping.Outcome).To(Equal(domain.OutcomeApprove))
		})

		It("falls back to review with a reason code for an unmapped band", func() {
			mapping, err := engine.MapOutcome(ctx, "us", domain.RiskResult{Band: domain.RiskBandCritical})
			Expect(err).NotTo(HaveOccurred())
			Expect(mapping.Outcome).To(Equal(domain.OutcomeReview))
			Expect(mapping.ReasonCodes).To(ContainElement("unmapped_risk_band"))
		})

		It("errors for an unconfigured jurisdiction", func() {
			_, err := engine.MapOutcome(ctx, "unknown", domain.RiskResult{Band: domain.RiskBandLow})
			Expect(err).To(HaveOccurred())
		})
	})
})
