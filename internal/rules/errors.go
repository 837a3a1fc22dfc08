package rules

import (
	"errors"
	"fmt"
)

// ConfigErrorCode categorizes rule base configuration errors.
type ConfigErrorCode string

const (
	// ErrCodeDuplicateFactID indicates two facts share an id, or ids are not dense.
	ErrCodeDuplicateFactID ConfigErrorCode = "DUPLICATE_FACT_ID"

	// ErrCodeBitWidthExceeded indicates more facts than FactState can hold.
	ErrCodeBitWidthExceeded ConfigErrorCode = "BIT_WIDTH_EXCEEDED"

	// ErrCodeDuplicateFactName indicates two facts share a name.
	ErrCodeDuplicateFactName ConfigErrorCode = "DUPLICATE_FACT_NAME"

	// ErrCodeOverlappingConditions indicates a rule requires a fact to be both true and false.
	ErrCodeOverlappingConditions ConfigErrorCode = "OVERLAPPING_CONDITIONS"

	// ErrCodeTooManyRules indicates more rules than the matched-rule mask can track.
	ErrCodeTooManyRules ConfigErrorCode = "TOO_MANY_RULES"

	// ErrCodeUnknownFact indicates a mask or name references an unregistered fact.
	ErrCodeUnknownFact ConfigErrorCode = "UNKNOWN_FACT"

	// ErrCodeEmptyPostconditions indicates a rule that would change nothing when fired.
	ErrCodeEmptyPostconditions ConfigErrorCode = "EMPTY_POSTCONDITIONS"

	// ErrCodeDuplicateRuleName indicates two rules share a name.
	ErrCodeDuplicateRuleName ConfigErrorCode = "DUPLICATE_RULE_NAME"
)

// ConfigError is a fatal rule base construction error.
//
// Configuration errors are reported once, when the rule base is built. They
// are never retried: the caller's fact or rule definitions are wrong.
type ConfigError struct {
	// Code identifies the error category.
	Code ConfigErrorCode

	// Subject names the offending fact or rule, if any.
	Subject string

	// Message is a human-readable description.
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Subject)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsConfigError reports whether err is a ConfigError with the given code.
// Uses errors.As to handle wrapped errors.
func IsConfigError(err error, code ConfigErrorCode) bool {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

func newConfigError(code ConfigErrorCode, subject, format string, args ...any) *ConfigError {
	return &ConfigError{
		Code:    code,
		Subject: subject,
		Message: fmt.Sprintf(format, args...),
	}
}
