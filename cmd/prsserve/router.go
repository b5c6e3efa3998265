package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/interpose/middleware"
	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func router(global *Global) http.Handler {
	router := mux.NewRouter()
	POST := router.Methods("POST").Subrouter()
	GET := router.Methods("GET", "HEAD").Subrouter()
	DELETE := router.Methods("DELETE").Subrouter()

	h := handler{Global: global}

	GET.HandleFunc("/health", h.Health)
	GET.HandleFunc("/scores", h.Scores)
	GET.HandleFunc("/scores/{score_id}", h.Score)
	GET.HandleFunc("/progress", h.Progress)
	GET.HandleFunc("/results", h.Results)
	GET.HandleFunc("/results/{score_id}", h.Result)
	GET.HandleFunc("/catalog", h.Catalog)
	GET.HandleFunc("/catalog/audit", h.Audit)
	GET.Handle("/metrics", promhttp.HandlerFor(global.registry, promhttp.HandlerOpts{}))

	//
	// POST
	//
	POST.HandleFunc("/precompute", h.Precompute)
	POST.HandleFunc("/catalog/update", h.Update)
	POST.HandleFunc("/catalog/rollback", h.Rollback)

	DELETE.HandleFunc("/precompute", h.Cancel)

	standard := alice.New(
		// Log all requests to STDOUT
		middleware.GorillaLog(),
	)

	return standard.Then(router)
}
