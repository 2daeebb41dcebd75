package errors

import (
	"errors"
	"net/http"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestErrors(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Errors Suite")
}

var _ = Describe("Structured Errors", func() {
	Describe("AppError", func() {
		It("creates an error with correct properties", func() {
			err := New(ErrorTypeValidation, "test message")

			Expect(err.Type).To(Equal(ErrorTypeValidation))
			Expect(err.Message).To(Equal("test message"))
			Expect(err.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(err.Details).To(BeEmpty())
			Expect(err.Cause).To(BeNil())
		})

		It("implements the error interface", func() {
			err := New(ErrorTypeValidation, "test message")
			Expect(err.Error()).To(Equal("validation: test message"))
		})

		It("includes details in the error string when present", func() {
			err := New(ErrorTypeValidation, "test message").WithDetails("extra info")
			Expect(err.Error()).To(Equal("validation: test message (extra info)"))
		})

		It("wraps an underlying error", func() {
			originalErr := errors.New("original error")
			wrappedErr := Wrap(originalErr, ErrorTypeDatabase, "operation failed")

			Expect(wrappedErr.Type).To(Equal(ErrorTypeDatabase))
			Expect(wrappedErr.Cause).To(Equal(originalErr))
			Expect(wrappedErr.Unwrap()).To(Equal(originalErr))
		})

		It("formats a wrapped error with arguments", func() {
			originalErr := errors.New("connection refused")
			wrappedErr := Wrapf(originalErr, ErrorTypeNetwork, "failed to connect to %s:%d", "localhost", 5432)

			Expect(wrappedErr.Message).To(Equal("failed to connect to localhost:5432"))
			Expect(wrappedErr.Cause).To(Equal(originalErr))
		})
	})

	Describe("HTTP status code mapping", func() {
		It("maps error types to their status codes", func() {
			cases := []struct {
				errorType  ErrorType
				statusCode int
			}{
				{ErrorTypeValidation, http.StatusBadRequest},
				{ErrorTypeAuth, http.StatusUnauthorized},
				{ErrorTypeNotFound, http.StatusNotFound},
				{ErrorTypeConflict, http.StatusConflict},
				{ErrorTypeTimeout, http.StatusRequestTimeout},
				{ErrorTypeRateLimit, http.StatusTooManyRequests},
				{ErrorTypeDatabase, http.StatusInternalServerError},
				{ErrorTypeBackpressure, http.StatusTooManyRequests},
				{ErrorTypeStaleVersion, http.StatusConflict},
				{ErrorTypeRiskPermanent, http.StatusBadGateway},
				{ErrorTypeInvariantViolation, http.StatusInternalServerError},
			}

			for _, tc := range cases {
				err := New(tc.errorType, "test message")
				Expect(err.StatusCode).To(Equal(tc.statusCode))
			}
		})
	})

	Describe("predefined constructors", func() {
		It("creates a database error with a safe prefix", func() {
			originalErr := errors.New("connection lost")
			err := NewDatabaseError("query", originalErr)

			Expect(err.Type).To(Equal(ErrorTypeDatabase))
			Expect(err.Message).To(ContainSubstring("database operation failed: query"))
			Expect(err.Cause).To(Equal(originalErr))
		})

		It("creates a not-found error", func() {
			err := NewNotFoundError("workflow")
			Expect(err.Message).To(Equal("workflow not found"))
		})
	})

	Describe("type checking", func() {
		It("identifies AppError types", func() {
			validationErr := NewValidationError("test")
			Expect(IsType(validationErr, ErrorTypeValidation)).To(BeTrue())
			Expect(IsType(validationErr, ErrorTypeAuth)).To(BeFalse())
		})

		It("treats non-AppError values as internal", func() {
			regularErr := errors.New("regular error")
			Expect(IsType(regularErr, ErrorTypeValidation)).To(BeFalse())
			Expect(GetType(regularErr)).To(Equal(ErrorTypeInternal))
			Expect(GetStatusCode(regularErr)).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("retry classification", func() {
		It("marks store and risk transient failures as retriable", func() {
			Expect(IsRetriable(New(ErrorTypeStoreUnavailable, "x"))).To(BeTrue())
			Expect(IsRetriable(New(ErrorTypeRiskTransient, "x"))).To(BeTrue())
			Expect(IsRetriable(New(ErrorTypeStaleVersion, "x"))).To(BeTrue())
		})

		It("does not retry permanent or invariant failures", func() {
			Expect(IsRetriable(New(ErrorTypeRiskPermanent, "x"))).To(BeFalse())
			Expect(IsRetriable(New(ErrorTypeInvariantViolation, "x"))).To(BeFalse())
			Expect(IsRetriable(New(ErrorTypeMalformedEvent, "x"))).To(BeFalse())
		})
	})

	Describe("safe error messages", func() {
		It("passes through validation messages", func() {
			err := NewValidationError("specific validation message")
			Expect(SafeErrorMessage(err)).To(Equal("specific validation message"))
		})

		It("returns a generic message for regular errors", func() {
			Expect(SafeErrorMessage(errors.New("internal panic"))).To(Equal("An unexpected error occurred"))
		})
	})

	Describe("logging fields", func() {
		It("includes cause and details when present", func() {
			originalErr := errors.New("connection failed")
			appErr := Wrapf(originalErr, ErrorTypeDatabase, "query failed").WithDetails("table: workflows")

			fields := LogFields(appErr)
			Expect(fields["error_type"]).To(Equal("database"))
			Expect(fields["error_details"]).To(Equal("table: workflows"))
			Expect(fields["underlying_error"]).To(Equal("connection failed"))
		})
	})

	Describe("error chaining", func() {
		It("returns nil for no errors", func() {
			Expect(Chain()).To(BeNil())
		})

		It("filters nils and joins messages", func() {
			err1 := errors.New("first error")
			err2 := errors.New("second error")
			chained := Chain(err1, nil, err2)

			Expect(chained.Error()).To(ContainSubstring("first error"))
			Expect(chained.Error()).To(ContainSubstring("second error"))
			Expect(chained.Error()).To(ContainSubstring(" -> "))
		})
	})
})
