package postgres

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/decisionorchestrator/pkg/domain"
	"github.com/jordigilh/decisionorchestrator/pkg/store"
)

func TestPostgresStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Postgres Store Suite")
}

var _ = Describe("Store", func() {
	var (
		ctx    context.Context
		s      *Store
		db     *sqlx.DB
		mock   sqlmock.Sqlmock
		logger *logrus.Logger
	)

	BeforeEach(func() {
		ctx = context.Background()
		logger = logrus.New()
		logger.SetOutput(io.Discard)

		mockDB, mockSQL, err := sqlmock.New()
		Expect(err).NotTo(HaveOccurred())

		db = sqlx.NewDb(mockDB, "sqlmock")
		mock = mockSQL
		s = New(db, logger)
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	Describe("CreateIfAbsent", func() {
		It("inserts then reloads the new workflow", func() {
			mock.ExpectExec("INSERT INTO workflows").
				WithArgs("wf1", "tenant-a", string(domain.StatePending), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(1, 1))

			rows := sqlmock.NewRows([]string{
				"workflow_id", "tenant_id", "state", "signals", "current_decision_id",
				"signals_complete_emitted", "version", "created_at", "updated_at",
			}).AddRow("wf1", "tenant-a", "pending", []byte(`{}`), nil, false, int64(1), time.Now(), time.Now())
			mock.ExpectQuery("SELECT \\* FROM workflows WHERE workflow_id = \\$1").
				WithArgs("wf1").
				WillReturnRows(rows)
			mock.ExpectQuery("SELECT \\* FROM decisions WHERE workflow_id = \\$1").
				WithArgs("wf1").
				WillReturnRows(sqlmock.NewRows([]string{}))

			w, err := s.CreateIfAbsent(ctx, "wf1", "tenant-a")
			Expect(err).NotTo(HaveOccurred())
			Expect(w.WorkflowID).To(Equal("wf1"))
			Expect(w.State).To(Equal(domain.StatePending))
		})
	})

	Describe("Load", func() {
		It("returns ErrNotFound when the workflow row is missing", func() {
			mock.ExpectQuery("SELECT \\* FROM workflows WHERE workflow_id = \\$1").
				WithArgs("missing").
				WillReturnError(sql.ErrNoRows)

			_, _, err := s.Load(ctx, "missing")
			Expect(err).To(Equal(store.ErrNotFound))
		})
	})
})
