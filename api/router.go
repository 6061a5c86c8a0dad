// Copyright 2016 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api serves the HTTP status API of a host: diagnostics, operator actions on locks and transactions, and the
// prometheus metrics.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinymesh/host"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"
	"github.com/urfave/negroni"
)

const pingAPI = "/ping"

// NewHandler returns the status API of h. It is a host.HandlerBuilder.
func NewHandler(h *host.Host) http.Handler {
	recovery := negroni.NewRecovery()
	recovery.PrintStack = false
	n := negroni.New(recovery)
	n.UseHandler(createRouter(h))
	return n
}

func createRouter(h *host.Host) *mux.Router {
	rd := render.New(render.Options{
		IndentJSON: true,
	})

	router := mux.NewRouter()

	statusHandler := newStatusHandler(h, rd)
	router.HandleFunc("/api/v1/status", statusHandler.Get).Methods("GET")
	router.HandleFunc("/api/v1/health", statusHandler.Health).Methods("GET")
	router.HandleFunc("/api/v1/version", statusHandler.Version).Methods("GET")
	router.HandleFunc("/api/v1/gateways", statusHandler.Gateways).Methods("GET")

	lockHandler := newLockHandler(h, rd)
	router.HandleFunc("/api/v1/locks", lockHandler.List).Methods("GET")
	router.HandleFunc("/api/v1/locks", lockHandler.UnlockAnyway).Methods("DELETE")

	txnHandler := newTransactionHandler(h, rd)
	router.HandleFunc("/api/v1/transactions", txnHandler.List).Methods("GET")
	router.HandleFunc("/api/v1/transactions/{id}", txnHandler.Get).Methods("GET")
	router.HandleFunc("/api/v1/transactions/{id}/commit", txnHandler.Commit).Methods("POST")
	router.HandleFunc("/api/v1/transactions/{id}/rollback", txnHandler.Rollback).Methods("POST")

	serviceHandler := newServiceHandler(h, rd)
	router.HandleFunc("/api/v1/services", serviceHandler.List).Methods("GET")
	router.HandleFunc("/api/v1/services/{name}/enable", serviceHandler.Enable).Methods("POST")
	router.HandleFunc("/api/v1/services/{name}/disable", serviceHandler.Disable).Methods("POST")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc(pingAPI, func(w http.ResponseWriter, r *http.Request) {}).Methods("GET")

	return router
}
