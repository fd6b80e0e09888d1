package commonerrors

import (
	"errors"
	"net/http"
)

var (
	ErrMissingRequiredEnv = errors.New("missing required environment variable")
	ErrSecretTooShort     = errors.New("secret is too short")
)

var (
	ErrPersistence = NewDomainError(
		"PERSISTENCE_ERROR",
		CategoryPersistence,
		http.StatusInternalServerError,
		"local key store operation failed",
	)

	ErrNetworkFailure = NewDomainError(
		"NETWORK_FAILURE",
		CategoryExternal,
		http.StatusBadGateway,
		"key upload did not reach the server",
	)

	ErrRejectedByServer = NewDomainError(
		"REJECTED_BY_SERVER",
		CategoryRejected,
		http.StatusUnprocessableEntity,
		"key server rejected the uploaded keys",
	)

	ErrInvalidSuppliedKeyMaterial = NewDomainError(
		"INVALID_SUPPLIED_KEY_MATERIAL",
		CategoryValidation,
		http.StatusBadRequest,
		"supplied key material is invalid",
	)

	ErrOptionUnset = NewDomainError(
		"OPTION_UNSET",
		CategoryInternal,
		http.StatusInternalServerError,
		"value read before it was initialized",
	)

	ErrIdentityKeyMissing = NewDomainError(
		"IDENTITY_KEY_MISSING",
		CategoryNotFound,
		http.StatusConflict,
		"identity key pair has not been created",
	)

	ErrKeyNotFound = NewDomainError(
		"PREKEY_NOT_FOUND",
		CategoryNotFound,
		http.StatusNotFound,
		"pre-key not found",
	)

	ErrKeyNotConsumable = NewDomainError(
		"PREKEY_NOT_CONSUMABLE",
		CategoryValidation,
		http.StatusBadRequest,
		"pre-key class cannot be consumed",
	)

	ErrReadOnlyTransaction = NewDomainError(
		"READ_ONLY_TRANSACTION",
		CategoryInternal,
		http.StatusInternalServerError,
		"mutation attempted in a read transaction",
	)

	ErrCredentialExpired = NewDomainError(
		"CREDENTIAL_EXPIRED",
		CategoryUnauthorized,
		http.StatusUnauthorized,
		"upload credential has expired",
	)

	ErrCircuitOpen = NewDomainError(
		"CIRCUIT_OPEN",
		CategoryExternal,
		http.StatusServiceUnavailable,
		"circuit breaker is open",
	)

	ErrInvalidIdentity = NewDomainError(
		"INVALID_IDENTITY",
		CategoryValidation,
		http.StatusBadRequest,
		"identity must be aci or pni",
	)

	ErrInternalError = NewDomainError(
		"INTERNAL_ERROR",
		CategoryInternal,
		http.StatusInternalServerError,
		"internal server error",
	)
)

// IsRetryable reports whether the caller may retry with the same key material.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkFailure)
}
