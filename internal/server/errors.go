package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	errorsmod "cosmossdk.io/errors"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"ForwardLedger/internal/types"
)

// errUnavailable marks a route whose backing store is not configured.
var errUnavailable = errors.New("not available on this deployment")

// errNotFound marks a lookup with no result.
var errNotFound = errors.New("not found")

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Codespace string `json:"codespace"`
	Code      uint32 `json:"code"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// statusOf maps an error to its HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, errUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, errNotFound),
		errors.Is(err, types.ErrUnknownMarket),
		errors.Is(err, types.ErrUnknownToken):
		return http.StatusNotFound
	case errors.Is(err, types.ErrDuplicateRequest):
		return http.StatusConflict
	}
	switch types.KindOf(err) {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindUnauthorized:
		return http.StatusForbidden
	case types.KindStateConflict:
		return http.StatusConflict
	case types.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case types.KindOracleFailure:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errorBody renders err. Infrastructure errors are not echoed to callers.
func errorBody(err error) ErrorBody {
	kind := types.KindOf(err)
	if kind == types.KindUnknown {
		body := ErrorBody{Codespace: types.Codespace, Kind: kind.String(), Message: "internal error"}
		switch {
		case errors.Is(err, errNotFound):
			body.Kind, body.Message = "NotFound", err.Error()
		case errors.Is(err, errUnavailable):
			body.Kind, body.Message = "Unavailable", err.Error()
		}
		return body
	}
	codespace, code, msg := errorsmod.ABCIInfo(err, false)
	return ErrorBody{
		Codespace: codespace,
		Code:      code,
		Kind:      kind.String(),
		Message:   msg,
	}
}

func writeError(w http.ResponseWriter, err error) int {
	status := statusOf(err)
	writeJSON(w, status, errorBody(err))
	return status
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// routingErrorHandler answers unmatched routes with the JSON envelope.
func routingErrorHandler(_ context.Context, _ *runtime.ServeMux, _ runtime.Marshaler, w http.ResponseWriter, _ *http.Request, httpStatus int) {
	msg := http.StatusText(httpStatus)
	writeJSON(w, httpStatus, ErrorBody{Codespace: types.Codespace, Kind: "Routing", Message: msg})
}
