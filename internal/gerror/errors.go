package gerror

import (
	"errors"
)

const (
	ErrCodeInternal          Code = "Internal"
	ErrCodeValidationFailed  Code = "ValidationFailed"
	ErrCodeNotFound          Code = "NotFound"
	ErrCodeAlreadyExists     Code = "AlreadyExists"
	ErrCodePolicyViolation   Code = "PolicyViolation"
	ErrCodeQuotaExceeded     Code = "QuotaExceeded"
	ErrCodeBackendTransient  Code = "BackendTransient"
	ErrCodeBackendFatal      Code = "BackendFatal"
	ErrCodeCommandFailed     Code = "CommandFailed"
	ErrCodeTimeout           Code = "Timeout"
	ErrCodeCancelled         Code = "Cancelled"
	ErrCodeArtifactMissing   Code = "ArtifactMissing"
	ErrCodeCleanupFailed     Code = "CleanupFailed"
	ErrCodeObservabilityFail Code = "ObservabilityFailed"
	ErrCodePersistenceFailed Code = "PersistenceFailed"
)

// ToError locates an Error in the provided error chain and returns it if it
// matches the provided code. Otherwise, returns nil.
func ToError(err error, code Code) *Error {
	if err == nil {
		return nil
	}
	var gErr Error
	if errors.As(err, &gErr) && gErr.Code() == code {
		return &gErr
	}
	return nil
}

func NewErrInternal(message string, inner error) Error {
	return NewError(message, AudienceInternal, ErrCodeInternal, KindInternal, inner)
}

func IsInternal(err error) bool {
	return ToError(err, ErrCodeInternal) != nil
}

func NewErrValidationFailed(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeValidationFailed, KindValidation, nil)
}

func IsValidationFailed(err error) bool {
	return ToError(err, ErrCodeValidationFailed) != nil
}

func NewErrNotFound(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeNotFound, KindValidation, nil)
}

func IsNotFound(err error) bool {
	return ToError(err, ErrCodeNotFound) != nil
}

func NewErrAlreadyExists(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeAlreadyExists, KindValidation, nil)
}

func IsAlreadyExists(err error) bool {
	return ToError(err, ErrCodeAlreadyExists) != nil
}

// NewErrPolicyViolation builds a policy-denial error; callers must audit
// a policy.violated event regardless of whether the job was otherwise rejected.
func NewErrPolicyViolation(message string) Error {
	return NewError(message, AudienceExternal, ErrCodePolicyViolation, KindPolicyDenial, nil)
}

func IsPolicyViolation(err error) bool {
	return ToError(err, ErrCodePolicyViolation) != nil
}

func NewErrQuotaExceeded(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeQuotaExceeded, KindQuotaExhaustion, nil)
}

func IsQuotaExceeded(err error) bool {
	return ToError(err, ErrCodeQuotaExceeded) != nil
}

func NewErrBackendTransient(message string, inner error) Error {
	return NewError(message, AudienceInternal, ErrCodeBackendTransient, KindBackendTransient, inner)
}

func IsBackendTransient(err error) bool {
	return ToError(err, ErrCodeBackendTransient) != nil
}

func NewErrBackendFatal(message string, inner error) Error {
	return NewError(message, AudienceInternal, ErrCodeBackendFatal, KindBackendFatal, inner)
}

func IsBackendFatal(err error) bool {
	return ToError(err, ErrCodeBackendFatal) != nil
}

func NewErrCommandFailed(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeCommandFailed, KindCommandFailure, nil)
}

func NewErrTimeout(description string) Error {
	return NewError("timeout: "+description, AudienceInternal, ErrCodeTimeout, KindTimeout, nil)
}

func IsTimeout(err error) bool {
	return ToError(err, ErrCodeTimeout) != nil
}

func NewErrCancelled(description string) Error {
	return NewError("cancelled: "+description, AudienceInternal, ErrCodeCancelled, KindCancellation, nil)
}

func IsCancelled(err error) bool {
	return ToError(err, ErrCodeCancelled) != nil
}

func NewErrArtifactMissing(pattern string) Error {
	return NewError("no artifacts matched glob", AudienceExternal, ErrCodeArtifactMissing, KindArtifactMissing, nil).
		EDetail("glob", pattern)
}

func NewErrCleanupFailed(message string, inner error) Error {
	return NewError(message, AudienceInternal, ErrCodeCleanupFailed, KindCleanupFailure, inner)
}

func NewErrObservabilityFailed(message string, inner error) Error {
	return NewError(message, AudienceInternal, ErrCodeObservabilityFail, KindObservabilityFailed, inner)
}

func NewErrPersistenceFailed(message string, inner error) Error {
	return NewError(message, AudienceInternal, ErrCodePersistenceFailed, KindPersistenceFailure, inner)
}

func IsPersistenceFailed(err error) bool {
	return ToError(err, ErrCodePersistenceFailed) != nil
}
