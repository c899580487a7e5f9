package errors

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

func entry(r *http.Request) *logrus.Entry {
	e := logrus.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path})
	if requestID := middleware.GetReqID(r.Context()); requestID != "" {
		e = e.WithField("request_id", requestID)
	}
	return e
}

// InternalError logs err and answers with a generic 500.
func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	entry(r).WithError(err).Error(message)
	WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

// BadRequestError logs err and answers 400 with clientMessage.
func BadRequestError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	entry(r).WithError(err).Warn("bad request")
	WriteJSON(w, http.StatusBadRequest, map[string]string{"error": clientMessage})
}

// NotFound answers 404 with clientMessage.
func NotFound(w http.ResponseWriter, r *http.Request, clientMessage string) {
	entry(r).Debug(clientMessage)
	WriteJSON(w, http.StatusNotFound, map[string]string{"error": clientMessage})
}

func LogError(r *http.Request, message string, err error) {
	entry(r).WithError(err).Error(message)
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
