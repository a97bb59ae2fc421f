package checkout

import (
	"errors"
	"fmt"

	"github.com/shaniyakir/nekuda-agentic-wallet/internal/store"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/upstream"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/vault"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/wallet"
)

// Code is the closed, caller-facing error taxonomy. The agent loop branches
// on Retryable, end users see Message/Remediation; codes exist so the caller
// can special-case the actionable outcomes without string matching.
type Code string

const (
	CodeNotFound                 Code = "not_found"
	CodeInvalidState             Code = "invalid_state"
	CodeInsufficientStock        Code = "insufficient_stock"
	CodeNoPaymentMethod          Code = "no_payment_method"
	CodeIncompleteCredentialData Code = "incomplete_credential_data"
	CodeInvalidExpiryFormat      Code = "invalid_expiry_format"
	CodeCvvExpired               Code = "cvv_expired"
	CodeTokenizationFailed       Code = "tokenization_failed"
	CodeCredentialsExpired       Code = "credentials_expired"
	CodeProcessorDeclined        Code = "processor_declined"
	CodeConfigurationError       Code = "configuration_error"
	CodeTransientUpstream        Code = "transient_upstream_error"
	CodeUnknown                  Code = "unknown"
)

// StageError is the only error type that crosses the orchestrator boundary.
// Retryable failures are safe to replay as-is; non-retryable ones either end
// the protocol or carry a Remediation telling the end user what to do
// outside the conversation.
type StageError struct {
	Code        Code
	Message     string
	Retryable   bool
	Remediation string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func stageErr(code Code, retryable bool, format string, args ...interface{}) *StageError {
	return &StageError{Code: code, Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

// classify maps any error produced below the orchestrator onto the taxonomy.
// fallback is the stage-specific code for upstream validation rejections and
// unrecognized upstream kinds (tokenization vs charge context).
func classify(err error, fallback Code) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}

	var ue *upstream.Error
	if errors.As(err, &ue) {
		return classifyUpstream(ue, fallback)
	}

	switch {
	case errors.Is(err, wallet.ErrIncompleteCard):
		// A fresh reveal usually returns a complete record; nothing was
		// vaulted, so a plain retry is safe.
		return stageErr(CodeIncompleteCredentialData, true,
			"revealed card data was incomplete, retry the credential step")
	case errors.Is(err, wallet.ErrBadExpiry):
		return stageErr(CodeInvalidExpiryFormat, true,
			"revealed card expiry was unparseable, retry the credential step")
	case errors.Is(err, vault.ErrExpired):
		return &StageError{
			Code:        CodeCredentialsExpired,
			Message:     "payment credentials exceeded their validity window",
			Remediation: "re-run the credential step to obtain a fresh payment method",
		}
	case errors.Is(err, vault.ErrNoEntry):
		return &StageError{
			Code:        CodeNoPaymentMethod,
			Message:     "no payment method on file for this session",
			Remediation: "run the credential step before settling",
		}
	case errors.Is(err, store.ErrProductNotFound),
		errors.Is(err, store.ErrCartNotFound),
		errors.Is(err, store.ErrItemNotFound):
		return stageErr(CodeNotFound, false, "%v", err)
	case errors.Is(err, store.ErrStaleProduct):
		// A frozen cart references a product the catalog no longer has; the
		// checkout cannot be priced again, so it cannot settle.
		return &StageError{
			Code:        CodeNotFound,
			Message:     err.Error(),
			Remediation: "rebuild the cart from the current catalog and check out again",
		}
	case errors.Is(err, store.ErrCartNotActive),
		errors.Is(err, store.ErrCartNotCheckedOut),
		errors.Is(err, store.ErrEmptyCart):
		return stageErr(CodeInvalidState, false, "%v", err)
	case errors.Is(err, store.ErrInsufficientStock):
		return stageErr(CodeInsufficientStock, false, "%v", err)
	}

	// An unknown failure mode must not be silently retried.
	return stageErr(CodeUnknown, false, "%v", err)
}

// classifyUpstream is the single exhaustive match over upstream kinds. A new
// Kind added to the upstream package shows up here as a compile-visible gap
// in review, not a silently-falling-through branch at runtime.
func classifyUpstream(ue *upstream.Error, fallback Code) *StageError {
	switch ue.Kind {
	case upstream.KindTransient, upstream.KindRateLimited, upstream.KindConnection:
		return stageErr(CodeTransientUpstream, true, "%s temporarily unavailable: %s", ue.Service, ue.Message)
	case upstream.KindAuth:
		return stageErr(CodeConfigurationError, false, "%s rejected our credentials, check service configuration", ue.Service)
	case upstream.KindNotFound:
		return stageErr(CodeNotFound, false, "%s: %s", ue.Service, ue.Message)
	case upstream.KindCardDeclined:
		return stageErr(CodeProcessorDeclined, false, "%s", ue.Message)
	case upstream.KindCVVRejected:
		return &StageError{
			Code:    CodeCvvExpired,
			Message: "the stored card's CVV is expired or invalid",
			// The orchestrator appends the hosted refresh link.
			Remediation: "ask the user to re-enter their CVV, then retry the credential step",
		}
	case upstream.KindValidation:
		return stageErr(fallback, false, "%s rejected the request: %s", ue.Service, ue.Message)
	case upstream.KindUnknown:
		return stageErr(CodeUnknown, false, "%s: %s", ue.Service, ue.Message)
	}
	return stageErr(CodeUnknown, false, "%s: %s", ue.Service, ue.Message)
}
