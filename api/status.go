// Copyright 2018 PingCAP, Inc.
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

package api

import (
	"net/http"
	"time"

	"github.com/pingcap-incubator/tinymesh/config"
	"github.com/pingcap-incubator/tinymesh/host"
	"github.com/pingcap-incubator/tinymesh/protocol"
	"github.com/unrolled/render"
)

type statusHandler struct {
	h  *host.Host
	rd *render.Render
}

func newStatusHandler(h *host.Host, rd *render.Render) *statusHandler {
	return &statusHandler{
		h:  h,
		rd: rd,
	}
}

// Status is the overview of a host.
type Status struct {
	ID        string                  `json:"id"`
	Name      string                  `json:"name"`
	Addr      string                  `json:"addr"`
	StartedAt time.Time               `json:"started_at"`
	Gateways  []config.GatewayAddress `json:"gateways"`
	Health    protocol.HealthStatus   `json:"health"`
}

func (s *statusHandler) Get(w http.ResponseWriter, r *http.Request) {
	status := &Status{
		ID:        s.h.ID(),
		Name:      s.h.Name(),
		StartedAt: s.h.StartedAt(),
		Gateways:  s.h.AllGatewayAddresses(),
		Health:    s.h.Health(),
	}
	if addr := s.h.Addr(); addr != nil {
		status.Addr = addr.String()
	}
	s.rd.JSON(w, http.StatusOK, status)
}

// Health answers 503 while the host has no gateway connection, requests can't reach it then.
func (s *statusHandler) Health(w http.ResponseWriter, r *http.Request) {
	health := s.h.Health()
	code := http.StatusOK
	if health.ConnectedGateways == 0 {
		code = http.StatusServiceUnavailable
	}
	s.rd.JSON(w, code, health)
}

// Version is the build of a host.
type Version struct {
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocol_version"`
	GitHash         string `json:"git_hash"`
}

func (s *statusHandler) Version(w http.ResponseWriter, r *http.Request) {
	s.rd.JSON(w, http.StatusOK, &Version{
		Version:         host.ReleaseVersion,
		ProtocolVersion: protocol.Version.String(),
		GitHash:         host.GitHash,
	})
}

func (s *statusHandler) Gateways(w http.ResponseWriter, r *http.Request) {
	states := make(map[string]string)
	for addr, state := range s.h.GatewayStates() {
		states[addr] = state.String()
	}
	s.rd.JSON(w, http.StatusOK, states)
}
