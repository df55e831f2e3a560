package v1

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tinoosan/mcufetch/internal/reqid"
)

// startBody is the body of POST /v1/downloads.
type startBody struct {
	DeviceID string `json:"deviceId"`
	Path     string `json:"path"`
}

type ctxKeyStart struct{}

// MiddlewareStartValidation decodes and checks a start request before the handler runs.
func MiddlewareStartValidation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body startBody
		if err := decodeJSONStrict(w, r, &body, maxBodyBytes, "application/json"); err != nil {
			markErr(w, err)
			if errors.Is(err, ErrContentType) {
				http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
				return
			}
			http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(body.DeviceID) == "" {
			markErr(w, ErrDeviceID)
			http.Error(w, ErrDeviceID.Error(), http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(body.Path) == "" {
			markErr(w, ErrPath)
			http.Error(w, ErrPath.Error(), http.StatusBadRequest)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyStart{}, body)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Log writes one access log line per request, at error level when the
// handler marked an error.
func (dh *DownloadHandler) Log(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		rw := &rwLogger{ResponseWriter: w}
		next.ServeHTTP(rw, r)
		if rw.status == 0 {
			rw.status = http.StatusOK
		}
		l := reqid.Logger(r.Context(), dh.l)
		attrs := []any{
			"method", r.Method,
			"url", r.URL.Path,
			"status", rw.status,
			"remote", r.RemoteAddr,
			"ua", r.UserAgent(),
			"dur_ms", time.Since(startTime).Milliseconds(),
			"bytes", rw.bytes,
		}
		if rw.err != nil {
			l.Error(rw.err.Error(), attrs...)
			return
		}
		l.Info("", attrs...)
	})
}
