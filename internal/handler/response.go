package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"identity-service/internal/service"
	"identity-service/internal/util"
)

const maxBodyBytes = 1 << 20

// Response is the success envelope.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
	Meta    *Meta       `json:"meta"`
}

// ErrorResponse is the failure envelope.
type ErrorResponse struct {
	Success   bool        `json:"success"`
	ErrorCode string      `json:"errorCode"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details"`
}

type Meta struct {
	RequestID string    `json:"requestId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func newMeta(r *http.Request) *Meta {
	return &Meta{
		RequestID: middleware.GetReqID(r.Context()),
		Timestamp: time.Now().UTC(),
	}
}

func respondWithJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		util.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func respondSuccess(w http.ResponseWriter, r *http.Request, statusCode int, message string, data interface{}) {
	respondWithJSON(w, statusCode, Response{
		Success: true,
		Message: message,
		Data:    data,
		Meta:    newMeta(r),
	})
}

// respondWithError writes the failure envelope for err. Non-operational
// errors are logged with their cause and reach the client only as a generic
// 500.
func respondWithError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	e := service.AsError(err)
	fields := []zap.Field{
		zap.String("error_code", e.Code),
		zap.Int("status_code", e.Status),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
	}

	if !e.Operational {
		logger.Error("Request failed", append(fields, zap.Error(err))...)
		respondWithJSON(w, http.StatusInternalServerError, ErrorResponse{
			ErrorCode: service.CodeInternal,
			Message:   service.GenericMessage,
		})
		return
	}

	logger.Debug("Request rejected", fields...)
	respondWithJSON(w, e.Status, ErrorResponse{
		ErrorCode: e.Code,
		Message:   e.Message,
		Details:   e.Details,
	})
}

// decodeJSON reads a bounded JSON body into dst. Unknown fields are ignored.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return service.Validation(map[string]string{"body": "Request body is too large"})
		case errors.Is(err, io.EOF):
			return service.Validation(map[string]string{"body": "Request body is required"})
		default:
			return service.Validation(map[string]string{"body": "Request body must be valid JSON"})
		}
	}
	return nil
}
