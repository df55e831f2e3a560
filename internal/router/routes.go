package router

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "github.com/tinoosan/mcufetch/api/v1"
	"github.com/tinoosan/mcufetch/internal/auth"
	"github.com/tinoosan/mcufetch/internal/hub"
	"github.com/tinoosan/mcufetch/internal/service"
)

// New sets up the application routes and required middleware.
func New(logger *slog.Logger, downloadSvc service.Download, events *hub.Hub) *mux.Router {

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Error("write healthz response", "err", err)
		}
	}).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	downloadHandler := v1.NewDownloadHandler(logger, downloadSvc, events)

	r.Use(v1.RequestID)
	r.Use(downloadHandler.Log)
	r.Use(auth.Middleware)

	api := r.PathPrefix("/v1").Subrouter()

	// GETs
	get := api.Methods("GET").Subrouter()
	get.HandleFunc("/downloads", downloadHandler.GetDownloads)
	get.HandleFunc("/downloads/{id}", downloadHandler.GetDownload)
	get.HandleFunc("/downloads/{id}/content", downloadHandler.GetContent)
	get.HandleFunc("/session", downloadHandler.GetSession)
	get.HandleFunc("/events", downloadHandler.Events)

	// POSTs
	post := api.Methods("POST").Subrouter()
	post.Handle("/downloads", v1.MiddlewareStartValidation(http.HandlerFunc(downloadHandler.StartDownload)))
	post.HandleFunc("/downloads/cancel", downloadHandler.CancelDownload)

	// DELETEs
	del := api.Methods("DELETE").Subrouter()
	del.HandleFunc("/session", downloadHandler.Teardown)

	return r
}
