package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter mounts the status, history and metrics routes.
func NewRouter(handler *Handler, gatherer prometheus.Gatherer) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/sl/status", handler.GetStatus).Methods(http.MethodGet)
	router.HandleFunc("/sl/history", handler.GetHistory).Methods(http.MethodGet)
	router.HandleFunc("/sl/history/{runId}", handler.GetHistory).Methods(http.MethodGet)
	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return router
}
