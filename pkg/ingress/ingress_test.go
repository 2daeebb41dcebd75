package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	apperrors "github.com/jordigilh/decisionorchestrator/internal/errors"
	"github.com/jordigilh/decisionorchestrator/pkg/deadletter"
	"github.com/jordigilh/decisionorchestrator/pkg/domain"
	"github.com/jordigilh/decisionorchestrator/pkg/metrics"
	"github.com/jordigilh/decisionorchestrator/pkg/query"
	memstore "github.com/jordigilh/decisionorchestrator/pkg/store/memory"
)

func TestIngress(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Ingress Dispatcher Suite")
}

type fakeSubmitter struct {
	submitted []domain.Envelope
	err       error
}

func (f *fakeSubmitter) Submit(_ context.Context, event domain.Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, event)
	return nil
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(nullWriter{})
	return l
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

var _ = Describe("Dispatcher", func() {
	var (
		submitter *fakeSubmitter
		router    http.Handler
		reg       *metrics.Registry
	)

	BeforeEach(func() {
		submitter = &fakeSubmitter{}
		st := memstore.New()
		reg = metrics.New(prometheus.NewRegistry())
		_, r := New(submitter, query.New(st), deadletter.NewMemoryStore(), reg, RetryPolicy{MaxAttempts: 2, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond}, []string{"*"}, discardLogger())
		router = r
	})

	It("accepts a well-formed event", func() {
		body := map[string]any{
			"event_id":   "evt-1",
			"event_type": "selfie.uploaded",
			"workflow_id": "wf-1",
			"tenant_id":  "us",
			"timestamp":  time.Now().Format(time.RFC3339),
			"payload":    map[string]any{"liveness_score": 0.9},
		}
		raw, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(raw))
		rr := httptest.NewRecorder()

		router.ServeHTTP(rr, req)

		Expect(rr.Code).To(Equal(http.StatusAccepted))
		Expect(submitter.submitted).To(HaveLen(1))
	})

	It("rejects a malformed JSON body", func() {
		req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader([]byte("{not json")))
		rr := httptest.NewRecorder()

		router.ServeHTTP(rr, req)

		Expect(rr.Code).To(Equal(http.StatusBadRequest))
	})

	It("rejects an event missing required fields", func() {
		raw, _ := json.Marshal(map[string]any{"event_type": "selfie.uploaded"})
		req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(raw))
		rr := httptest.NewRecorder()

		router.ServeHTTP(rr, req)

		Expect(rr.Code).To(Equal(http.StatusBadRequest))
	})

	It("reports healthy and ready", func() {
		for _, path := range []string{"/health", "/ready"} {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			Expect(rr.Code).To(Equal(http.StatusOK))
		}
	})

	It("dead-letters an event once retries are exhausted on a store-unavailable error", func() {
		dl := deadletter.NewMemoryStore()
		failing := &fakeSubmitter{err: apperrors.New(apperrors.ErrorTypeStoreUnavailable, "store down")}
		_, r := New(failing, query.New(memstore.New()), dl, reg, RetryPolicy{MaxAttempts: 2, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond}, []string{"*"}, discardLogger())

		body := map[string]any{
			"event_id":    "evt-dl",
			"event_type":  "selfie.uploaded",
			"workflow_id": "wf-dl",
			"tenant_id":   "us",
			"timestamp":   time.Now().Format(time.RFC3339),
			"payload":     map[string]any{"liveness_score": 0.9},
		}
		raw, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(raw))
		rr := httptest.NewRecorder()

		r.ServeHTTP(rr, req)

		Expect(rr.Code).To(Equal(http.StatusServiceUnavailable))
		entries, err := dl.List(context.Background(), "")
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Event.EventID).To(Equal("evt-dl"))
	})
})
