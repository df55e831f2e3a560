package v1

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"nhooyr.io/websocket"

	"github.com/tinoosan/mcufetch/internal/data"
	"github.com/tinoosan/mcufetch/internal/hub"
	"github.com/tinoosan/mcufetch/internal/reqid"
	"github.com/tinoosan/mcufetch/internal/service"
)

// DownloadHandler serves the download session API.
type DownloadHandler struct {
	l   *slog.Logger
	svc service.Download
	hub *hub.Hub
}

func NewDownloadHandler(l *slog.Logger, svc service.Download, h *hub.Hub) *DownloadHandler {
	return &DownloadHandler{l: l, svc: svc, hub: h}
}

type rwLogger struct {
	http.ResponseWriter
	status int
	bytes  int
	err    error
}

func (w *rwLogger) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *rwLogger) SetErr(err error) {
	w.err = err
}

func (w *rwLogger) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *rwLogger) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack hands the connection to the websocket upgrade.
func (w *rwLogger) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errHijack
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

type errorSetter interface {
	SetErr(error)
}

func markErr(w http.ResponseWriter, err error) {
	if es, ok := w.(errorSetter); ok {
		es.SetErr(err)
	}
}

// GetDownloads lists the download history.
func (dh *DownloadHandler) GetDownloads(w http.ResponseWriter, r *http.Request) {
	recs, err := dh.svc.List(r.Context())
	if err != nil {
		markErr(w, err)
		http.Error(w, "failed to list downloads", http.StatusInternalServerError)
		return
	}
	if err := writeJSON(w, http.StatusOK, recs); err != nil {
		markErr(w, err)
	}
}

func (dh *DownloadHandler) GetDownload(w http.ResponseWriter, r *http.Request) {
	rec, err := dh.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		dh.lookupErr(w, err)
		return
	}
	if err := writeJSON(w, http.StatusOK, rec); err != nil {
		markErr(w, err)
	}
}

// GetContent returns the raw payload of a completed download.
func (dh *DownloadHandler) GetContent(w http.ResponseWriter, r *http.Request) {
	b, err := dh.svc.Content(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		dh.lookupErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(b); err != nil {
		markErr(w, err)
	}
}

func (dh *DownloadHandler) lookupErr(w http.ResponseWriter, err error) {
	markErr(w, err)
	switch {
	case errors.Is(err, data.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, data.ErrContentGone):
		http.Error(w, err.Error(), http.StatusGone)
	default:
		http.Error(w, "lookup failed", http.StatusInternalServerError)
	}
}

// StartDownload begins a download. The outcome arrives on the event stream
// and in the history record.
func (dh *DownloadHandler) StartDownload(w http.ResponseWriter, r *http.Request) {
	body, ok := r.Context().Value(ctxKeyStart{}).(startBody)
	if !ok {
		markErr(w, ErrStartCtx)
		http.Error(w, ErrStartCtx.Error(), http.StatusInternalServerError)
		return
	}
	rec, err := dh.svc.Start(r.Context(), body.DeviceID, body.Path)
	if err != nil {
		markErr(w, err)
		switch {
		case errors.Is(err, data.ErrSessionBusy):
			http.Error(w, string(data.KindSessionBusy)+": "+err.Error(), http.StatusConflict)
		case errors.Is(err, data.ErrBadRequest):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, "failed to start download", http.StatusInternalServerError)
		}
		return
	}
	reqid.Logger(r.Context(), dh.l).Info("download started", "session_id", rec.ID, "device", rec.DeviceID, "path", rec.Path)
	if err := writeJSON(w, http.StatusAccepted, rec); err != nil {
		markErr(w, err)
	}
}

func (dh *DownloadHandler) CancelDownload(w http.ResponseWriter, r *http.Request) {
	if err := dh.svc.Cancel(r.Context()); err != nil {
		markErr(w, err)
		if errors.Is(err, data.ErrNothingToCancel) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, "failed to cancel", http.StatusInternalServerError)
		return
	}
	if err := writeJSON(w, http.StatusAccepted, dh.svc.Current(r.Context())); err != nil {
		markErr(w, err)
	}
}

func (dh *DownloadHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	if err := writeJSON(w, http.StatusOK, dh.svc.Current(r.Context())); err != nil {
		markErr(w, err)
	}
}

// Teardown force-releases the session. Release errors are logged; the
// session is reusable either way.
func (dh *DownloadHandler) Teardown(w http.ResponseWriter, r *http.Request) {
	if err := dh.svc.Teardown(r.Context()); err != nil {
		markErr(w, err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// Events streams notifications over a websocket until the client leaves.
func (dh *DownloadHandler) Events(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		markErr(w, err)
		return
	}
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "done") }()

	err = dh.hub.Stream(r.Context(), c)
	if s := websocket.CloseStatus(err); s == websocket.StatusNormalClosure || s == websocket.StatusGoingAway {
		return
	}
	if err != nil && r.Context().Err() == nil {
		reqid.Logger(r.Context(), dh.l).Debug("event stream ended", "err", err)
	}
}
