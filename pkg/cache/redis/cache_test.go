package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jordigilh/decisionorchestrator/pkg/domain"
)

func TestCache(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Cache Suite")
}

var _ = Describe("Cache", func() {
	var (
		server *miniredis.Miniredis
		client *goredis.Client
		cache  *Cache
	)

	BeforeEach(func() {
		var err error
		server, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())

		client = goredis.NewClient(&goredis.Options{Addr: server.Addr()})
		cache = New(client, time.Minute)
	})

	AfterEach(func() {
		server.Close()
	})

	It("reports a miss for a workflow never cached", func() {
		_, _, ok, err := cache.GetCurrent(context.Background(), "wf-unknown")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("round-trips a workflow and its decisions", func() {
		wf := domain.Workflow{WorkflowID: "wf-1", TenantID: "us", State: domain.StateFinalised, Version: 3}
		decisions := []domain.Decision{{DecisionID: "dec-1", WorkflowID: "wf-1", Outcome: domain.OutcomeApprove}}

		Expect(cache.PutCurrent(context.Background(), wf, decisions)).To(Succeed())

		gotWf, gotDecisions, ok, err := cache.GetCurrent(context.Background(), "wf-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(gotWf.WorkflowID).To(Equal("wf-1"))
		Expect(gotWf.Version).To(Equal(int64(3)))
		Expect(gotDecisions).To(HaveLen(1))
		Expect(gotDecisions[0].DecisionID).To(Equal("dec-1"))
	})

	It("removes the entry on invalidate", func() {
		wf := domain.Workflow{WorkflowID: "wf-2", TenantID: "us"}
		Expect(cache.PutCurrent(context.Background(), wf, nil)).To(Succeed())

		Expect(cache.Invalidate(context.Background(), "wf-2")).To(Succeed())

		_, _, ok, err := cache.GetCurrent(context.Background(), "wf-2")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})
})
