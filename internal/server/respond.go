package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/rmkernel/rmk/internal/jsonx"
	"github.com/rmkernel/rmk/internal/rmkerr"
)

// errorBody is the wire form of a failure.
type errorBody struct {
	Error struct {
		Kind     string `json:"kind"`
		Message  string `json:"message"`
		PolicyID string `json:"policy_id,omitempty"`
	} `json:"error"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(kind rmkerr.Kind) int {
	switch kind {
	case rmkerr.KindInvalidInput:
		return http.StatusBadRequest
	case rmkerr.KindUnauthorized:
		return http.StatusUnauthorized
	case rmkerr.KindForbidden:
		return http.StatusForbidden
	case rmkerr.KindNotFound:
		return http.StatusNotFound
	case rmkerr.KindConflict:
		return http.StatusConflict
	case rmkerr.KindOverloaded:
		return http.StatusTooManyRequests
	case rmkerr.KindStoreUnavailable, rmkerr.KindStoreReject:
		return http.StatusServiceUnavailable
	case rmkerr.KindLLMUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := jsonx.Marshal(body)
	if err != nil {
		s.logger.Error("response marshal failed", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("response write failed", zap.Error(err))
	}
}

// writeError renders the taxonomy error. policyID, when set on a
// forbidden response, names the matched policy without exposing its body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeDenied(w, r, err, "")
}

func (s *Server) writeDenied(w http.ResponseWriter, r *http.Request, err error, policyID string) {
	kind := rmkerr.KindOf(err)
	status := statusFor(kind)

	var body errorBody
	body.Error.Kind = kind.String()
	body.Error.Message = err.Error()
	body.Error.PolicyID = policyID

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	s.writeJSON(w, status, body)
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := jsonx.NewDecoder(r.Body).Decode(dst); err != nil {
		return rmkerr.Wrap(rmkerr.KindInvalidInput, "malformed request body", err)
	}
	return nil
}
