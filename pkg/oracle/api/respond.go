package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/phenomenon0/prophetia/pkg/oracle/participants"
	"github.com/phenomenon0/prophetia/pkg/oracle/policy"
	"github.com/phenomenon0/prophetia/pkg/oracle/pool"
	"github.com/phenomenon0/prophetia/pkg/oracle/prediction"
	"github.com/phenomenon0/prophetia/pkg/oracle/registry"
	"github.com/phenomenon0/prophetia/pkg/oracle/rewards"
	"github.com/phenomenon0/prophetia/pkg/oracle/settlement"
	"github.com/phenomenon0/prophetia/pkg/oracle/validate"
)

// Error codes returned in the "code" field of error bodies.
const (
	CodeBadRequest      = "bad_request"
	CodeValidation      = "validation_error"
	CodeNotFound        = "not_found"
	CodeAlreadyResolved = "already_resolved"
	CodeConflict        = "conflict"
	CodePolicyViolation = "policy_violation"
	CodeAttestation     = "attestation_failed"
	CodeRateLimited     = "rate_limited"
	CodeUnavailable     = "unavailable"
	CodeInternal        = "internal_error"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    code,
	})
}

// respondErr maps a domain error to its HTTP status.
func respondErr(w http.ResponseWriter, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	respondError(w, status, code, msg)
}

func classify(err error) (int, string) {
	var verr *validate.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest, CodeValidation
	}
	if _, ok := policy.AsViolation(err); ok {
		return http.StatusUnprocessableEntity, CodePolicyViolation
	}

	switch {
	case errors.Is(err, settlement.ErrAttestation):
		return http.StatusUnauthorized, CodeAttestation

	case errors.Is(err, prediction.ErrAlreadyResolved):
		return http.StatusConflict, CodeAlreadyResolved

	case errors.Is(err, prediction.ErrNotFound),
		errors.Is(err, registry.ErrDatasetNotFound),
		errors.Is(err, registry.ErrModelNotFound),
		errors.Is(err, pool.ErrShareNotFound),
		errors.Is(err, participants.ErrNoStake):
		return http.StatusNotFound, CodeNotFound

	case errors.Is(err, registry.ErrDuplicateName),
		errors.Is(err, registry.ErrDuplicateFile),
		errors.Is(err, participants.ErrStakeLocked):
		return http.StatusConflict, CodeConflict

	case errors.Is(err, pool.ErrExposureLimit),
		errors.Is(err, pool.ErrInsufficientLiquidity),
		errors.Is(err, pool.ErrPoolInsolvent):
		return http.StatusUnprocessableEntity, CodePolicyViolation

	case errors.Is(err, rewards.ErrNegativeProfit),
		errors.Is(err, rewards.ErrNonFinite),
		errors.Is(err, rewards.ErrReputationRange),
		errors.Is(err, rewards.ErrUnknownBonusMode),
		errors.Is(err, participants.ErrEmptyAddress),
		errors.Is(err, participants.ErrInvalidRole),
		errors.Is(err, participants.ErrStakeTooSmall),
		errors.Is(err, pool.ErrDepositTooSmall),
		errors.Is(err, pool.ErrInvalidAmount):
		return http.StatusBadRequest, CodeValidation
	}
	return http.StatusInternalServerError, CodeInternal
}

// decodeJSON reads a single JSON object from the request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
