// Package handlers implements the HTTP handlers of the generation service.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/luminagen/lumina/gen"
	"github.com/luminagen/lumina/internal/ctxkeys"
)

// Response is the uniform API envelope.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo is the serialized error payload.
type ErrorInfo struct {
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Provider  string          `json:"provider,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// WriteJSON writes data as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess wraps data in the success envelope.
func WriteSuccess(w http.ResponseWriter, r *http.Request, data any) {
	reqID, _ := ctxkeys.RequestID(r.Context())
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: reqID,
	})
}

// WriteError normalizes err to the engine taxonomy and writes the error
// envelope. The error's HTTPStatus drives the response code.
func WriteError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	genErr := gen.AsError(err, "")
	status := genErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}

	if logger != nil {
		logger.Warn("request failed",
			zap.String("code", string(genErr.Code)),
			zap.String("message", genErr.Message),
			zap.Int("status", status),
			zap.Bool("retryable", genErr.Retryable),
		)
	}

	reqID, _ := ctxkeys.RequestID(r.Context())
	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      string(genErr.Code),
			Message:   genErr.Message,
			Provider:  genErr.Provider,
			Retryable: genErr.Retryable,
			Details:   genErr.Details,
		},
		Timestamp: time.Now(),
		RequestID: reqID,
	})
}

// DecodeJSONBody strictly decodes the request body into dst, writing the
// error response itself on failure.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil {
		err := gen.NewError(gen.ErrInvalidRequest, "", "request body is empty")
		WriteError(w, r, err, logger)
		return err
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		apiErr := gen.NewError(gen.ErrInvalidRequest, "", "invalid JSON body").WithCause(err)
		WriteError(w, r, apiErr, logger)
		return apiErr
	}
	return nil
}

// userFrom returns the authenticated user or writes a 401.
func userFrom(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (string, bool) {
	userID, ok := ctxkeys.UserID(r.Context())
	if !ok {
		err := gen.NewError(gen.ErrUnauthorized, "", "missing user identity")
		WriteError(w, r, err, logger)
		return "", false
	}
	return userID, true
}
