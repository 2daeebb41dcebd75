package deadletter

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/decisionorchestrator/pkg/domain"
)

func TestDeadLetter(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Dead Letter Store Suite")
}

var _ = Describe("MemoryStore", func() {
	It("retains recorded events and lists them back", func() {
		store := NewMemoryStore()
		ctx := context.Background()

		Expect(store.Record(ctx, domain.Envelope{EventID: "e1", TenantID: "us"}, "store_unavailable", 5)).To(Succeed())
		Expect(store.Record(ctx, domain.Envelope{EventID: "e2", TenantID: "eu"}, "store_unavailable", 5)).To(Succeed())

		all, err := store.List(ctx, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(all).To(HaveLen(2))

		usOnly, err := store.List(ctx, "us")
		Expect(err).NotTo(HaveOccurred())
		Expect(usOnly).To(HaveLen(1))
		Expect(usOnly[0].Event.EventID).To(Equal("e1"))
	})
})
