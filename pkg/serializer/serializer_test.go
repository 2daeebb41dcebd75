package serializer

import (
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	apperrors "github.com/jordigilh/decisionorchestrator/internal/errors"
	"github.com/jordigilh/decisionorchestrator/pkg/decision"
	"github.com/jordigilh/decisionorchestrator/pkg/domain"
	"github.com/jordigilh/decisionorchestrator/pkg/store"
	memstore "github.com/jordigilh/decisionorchestrator/pkg/store/memory"
)

func TestSerializer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Serializer Suite")
}

type alwaysCompletePolicy struct{ complete bool }

func (p alwaysCompletePolicy) SignalsComplete(_ string, _ map[string]any) bool { return p.complete }

type fakeRisk struct {
	mu    sync.Mutex
	calls int
	band  domain.RiskBand
	err   error
}

func (f *fakeRisk) Evaluate(_ context.Context, _ domain.Workflow) (domain.RiskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return domain.RiskResult{}, f.err
	}
	return domain.RiskResult{Band: f.band}, nil
}

type fakeDecider struct {
	mu        sync.Mutex
	finalised []domain.RiskReturnedPayload
	overrides []decision.OverrideContext
	// store, when set, receives each decision through AppendDecision, which
	// moves the workflow to finalised as the real Decision Authority's write does.
	store *memstore.Store
}

func (f *fakeDecider) Finalise(ctx context.Context, workflow domain.Workflow, expectedVersion int64, cause decision.CauseEvent, riskOutcome domain.RiskReturnedPayload, _ string, overrideCtx *decision.OverrideContext) (domain.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalised = append(f.finalised, riskOutcome)
	if overrideCtx != nil {
		f.overrides = append(f.overrides, *overrideCtx)
	}
	if f.store != nil {
		d, _, err := f.store.AppendDecision(ctx, workflow.WorkflowID, expectedVersion, domain.Decision{DecisionID: "dec-" + cause.EventID, WorkflowID: workflow.WorkflowID})
		return d, err
	}
	return domain.Decision{DecisionID: "dec-" + workflow.WorkflowID, WorkflowID: workflow.WorkflowID}, nil
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(nullWriter{})
	return l
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

var _ = Describe("Serializer", func() {
	var (
		st      *memstore.Store
		risk    *fakeRisk
		decider *fakeDecider
		sz      *Serializer
	)

	BeforeEach(func() {
		st = memstore.New()
		risk = &fakeRisk{band: domain.RiskBandLow}
		decider = &fakeDecider{}
		sz = New(st, alwaysCompletePolicy{complete: true}, risk, decider, Config{QueueDepth: 4, ActorIdleTTL: time.Hour, HandlerDeadline: time.Second}, discardLogger(), nil, nil)
	})

	It("drives a workflow from first signal through risk evaluation to a finalised decision", func() {
		event := domain.Envelope{
			EventID:    "evt-1",
			EventType:  domain.EventSelfieUploaded,
			WorkflowID: "wf-1",
			TenantID:   "us",
			Timestamp:  time.Now(),
			Payload:    domain.SelfieUploadedPayload{LivenessScore: 0.9},
		}

		Expect(sz.Submit(context.Background(), event)).To(Succeed())

		Eventually(func() domain.WorkflowState {
			wf, _, err := st.Load(context.Background(), "wf-1")
			Expect(err).NotTo(HaveOccurred())
			return wf.State
		}).Should(Equal(domain.StateFinalised))
		Expect(risk.calls).To(Equal(1))
		Expect(decider.finalised).To(HaveLen(1))
	})

	It("suppresses a duplicate event_id without reprocessing", func() {
		event := domain.Envelope{
			EventID:    "evt-dup",
			EventType:  domain.EventSelfieUploaded,
			WorkflowID: "wf-2",
			TenantID:   "us",
			Timestamp:  time.Now(),
			Payload:    domain.SelfieUploadedPayload{LivenessScore: 0.9},
		}

		Expect(sz.Submit(context.Background(), event)).To(Succeed())
		Expect(sz.Submit(context.Background(), event)).To(Succeed())

		Eventually(func() int { return len(decider.finalised) }).Should(Equal(1))
		Expect(risk.calls).To(Equal(1))
	})

	It("rejects an override against a workflow that is not yet finalised", func() {
		sz = New(st, alwaysCompletePolicy{complete: false}, risk, decider, Config{QueueDepth: 4, ActorIdleTTL: time.Hour, HandlerDeadline: time.Second}, discardLogger(), nil, nil)

		// Submit only reports enqueue-time failures now; the invalid-target
		// check lives inside the async handler, so it surfaces as the
		// workflow never leaving its pre-override state rather than as an
		// error returned from Submit.
		Expect(sz.Submit(context.Background(), domain.Envelope{
			EventID:    "evt-override",
			EventType:  domain.EventOverrideApplied,
			WorkflowID: "wf-3",
			TenantID:   "us",
			Timestamp:  time.Now(),
			Payload:    domain.OverrideAppliedPayload{NewOutcome: domain.OverrideDecline, Reason: "x", AuthorizedBy: "inv-1"},
		})).To(Succeed())

		Eventually(func() domain.WorkflowState {
			wf, _, err := st.Load(context.Background(), "wf-3")
			Expect(err).NotTo(HaveOccurred())
			return wf.State
		}).Should(Equal(domain.StatePending))
		Consistently(func() int { return len(decider.overrides) }).Should(Equal(0))
	})

	It("applies an override.applied event to a finalised workflow", func() {
		decider.store = st
		base := domain.Envelope{
			EventID:    "evt-base",
			EventType:  domain.EventSelfieUploaded,
			WorkflowID: "wf-4",
			TenantID:   "us",
			Timestamp:  time.Now(),
			Payload:    domain.SelfieUploadedPayload{LivenessScore: 0.9},
		}
		Expect(sz.Submit(context.Background(), base)).To(Succeed())
		Eventually(func() int { return len(decider.finalised) }).Should(Equal(1))

		override := domain.Envelope{
			EventID:    "evt-override-2",
			EventType:  domain.EventOverrideApplied,
			WorkflowID: "wf-4",
			TenantID:   "us",
			Timestamp:  time.Now(),
			Payload:    domain.OverrideAppliedPayload{NewOutcome: domain.OverrideDecline, Reason: "fraud", AuthorizedBy: "inv-1"},
		}
		Expect(sz.Submit(context.Background(), override)).To(Succeed())

		Eventually(func() []decision.OverrideContext { return decider.overrides }).Should(HaveLen(1))
		Eventually(func() domain.WorkflowState {
			wf, _, err := st.Load(context.Background(), "wf-4")
			Expect(err).NotTo(HaveOccurred())
			return wf.State
		}).Should(Equal(domain.StateFinalised))
		Expect(decider.overrides[0].AuthorizedBy).To(Equal("inv-1"))
	})

	It("unrecords a failed apply so a retried event_id is reprocessed from scratch, not suppressed", func() {
		fs := &flakyApplyStore{Store: st, failNextApply: true}
		sz = New(fs, alwaysCompletePolicy{complete: true}, risk, decider, Config{QueueDepth: 4, ActorIdleTTL: time.Hour, HandlerDeadline: time.Second}, discardLogger(), nil, nil)

		event := domain.Envelope{
			EventID:    "evt-retry",
			EventType:  domain.EventSelfieUploaded,
			WorkflowID: "wf-retry",
			TenantID:   "us",
			Timestamp:  time.Now(),
			Payload:    domain.SelfieUploadedPayload{LivenessScore: 0.9},
		}

		// Both submissions enqueue successfully; the first's processing fails
		// asynchronously inside the actor and unrecords the event, so the
		// retry with the same event_id is treated as new rather than
		// suppressed. The single-actor ordering guarantees the first attempt
		// finishes (and fails) before the second is processed.
		Expect(sz.Submit(context.Background(), event)).To(Succeed())
		Expect(sz.Submit(context.Background(), event)).To(Succeed())

		Eventually(func() []domain.RiskReturnedPayload { return decider.finalised }).Should(HaveLen(1))
		Expect(risk.calls).To(Equal(1))
	})

	It("returns backpressure once a workflow's queue is full", func() {
		blockingRisk := &blockingRiskInvoker{release: make(chan struct{})}
		sz = New(st, alwaysCompletePolicy{complete: true}, blockingRisk, decider, Config{QueueDepth: 1, ActorIdleTTL: time.Hour, HandlerDeadline: time.Minute}, discardLogger(), nil, nil)

		first := domain.Envelope{
			EventID:    "evt-block-1",
			EventType:  domain.EventSelfieUploaded,
			WorkflowID: "wf-5",
			TenantID:   "us",
			Timestamp:  time.Now(),
			Payload:    domain.SelfieUploadedPayload{LivenessScore: 0.9},
		}
		go func() { _ = sz.Submit(context.Background(), first) }()
		Eventually(func() int { return blockingRisk.callCount() }).Should(Equal(1))

		// The actor is now blocked inside risk evaluation; fill its single
		// queue slot, then try to overflow it.
		second := domain.Envelope{EventID: "evt-block-2", EventType: domain.EventDocumentUploaded, WorkflowID: "wf-5", TenantID: "us", Timestamp: time.Now(), Payload: domain.DocumentUploadedPayload{DocumentType: "passport", QualityScore: 0.9}}
		third := domain.Envelope{EventID: "evt-block-3", EventType: domain.EventDocumentUploaded, WorkflowID: "wf-5", TenantID: "us", Timestamp: time.Now(), Payload: domain.DocumentUploadedPayload{DocumentType: "passport", QualityScore: 0.9}}

		go func() { _ = sz.Submit(context.Background(), second) }()
		Eventually(func() int { return sz.queueLen("wf-5") }).Should(Equal(1))

		err := sz.Submit(context.Background(), third)
		Expect(err).To(HaveOccurred())
		Expect(apperrors.IsType(err, apperrors.ErrorTypeBackpressure)).To(BeTrue())

		close(blockingRisk.release)
	})
})

type blockingRiskInvoker struct {
	mu      sync.Mutex
	count   int
	release chan struct{}
}

func (b *blockingRiskInvoker) Evaluate(ctx context.Context, _ domain.Workflow) (domain.RiskResult, error) {
	b.mu.Lock()
	b.count++
	b.mu.Unlock()
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return domain.RiskResult{Band: domain.RiskBandLow}, nil
}

func (b *blockingRiskInvoker) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// flakyApplyStore fails the first call to Apply, then delegates normally,
// to exercise handle()'s RecordEvent/UnrecordEvent rollback on a failed
// state transition.
type flakyApplyStore struct {
	*memstore.Store
	mu            sync.Mutex
	failNextApply bool
}

func (f *flakyApplyStore) Apply(ctx context.Context, workflowID string, expectedVersion int64, mutate store.Mutation) (domain.Workflow, error) {
	f.mu.Lock()
	if f.failNextApply {
		f.failNextApply = false
		f.mu.Unlock()
		return domain.Workflow{}, apperrors.New(apperrors.ErrorTypeStoreUnavailable, "store temporarily unavailable")
	}
	f.mu.Unlock()
	return f.Store.Apply(ctx, workflowID, expectedVersion, mutate)
}
