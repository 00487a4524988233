package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"lendclient/contracts"
	"lendclient/flows"
	"lendclient/lending"
)

func statusFor(err error) int {
	kind, ok := lending.KindOf(err)
	switch {
	case errors.Is(err, contracts.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, flows.ErrSessionClosed):
		return http.StatusConflict
	case !ok:
		return http.StatusInternalServerError
	}
	switch kind {
	case lending.KindValidation:
		return http.StatusBadRequest
	case lending.KindStale:
		return http.StatusConflict
	case lending.KindUnavailable, lending.KindSimulatedRevert, lending.KindOnChainRevert:
		return http.StatusUnprocessableEntity
	case lending.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	kind, _ := lending.KindOf(err)
	view := errorView{
		Error:  err.Error(),
		Kind:   kind,
		Status: "error",
		Stale:  kind == lending.KindStale,
		Remedy: lending.RemedyOf(err),
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("lendingd request failed", "path", r.URL.Path, "error", err)
		view.Error = "internal error"
	}
	writeJSON(w, status, view)
}

func badRequest(reason string) error {
	return lending.NewFlowError(lending.KindValidation, lending.RemedyNone, reason, nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
