/*
 * Tollgate
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package admin implements the rotation administration API. It mounts on
// the gateway's internal listener and every route requires a bearer token
// carrying the rotations:manage permission; vendor credentials have no
// access here.
package admin

import (
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/tollgate"
	"github.com/gravitational/tollgate/lib/httplib"
	"github.com/gravitational/tollgate/lib/rotation"
	"github.com/gravitational/tollgate/lib/rotation/store"
	"github.com/gravitational/tollgate/lib/sapi"
	logutils "github.com/gravitational/tollgate/lib/utils/log"
)

var logger = logutils.NewPackageLogger(tollgate.ComponentKey, tollgate.ComponentAdmin)

// HandlerConfig configures the admin API handler.
type HandlerConfig struct {
	// Coordinator drives rotations.
	Coordinator *rotation.Coordinator
	// Guard authenticates the operator's bearer token.
	Guard *sapi.TokenGuard
}

// CheckAndSetDefaults validates the config.
func (c *HandlerConfig) CheckAndSetDefaults() error {
	if c.Coordinator == nil {
		return trace.BadParameter("missing rotation coordinator")
	}
	if c.Guard == nil {
		return trace.BadParameter("missing token guard")
	}
	return nil
}

// Handler is the rotation administration API.
type Handler struct {
	httprouter.Router
	cfg HandlerConfig
}

// NewHandler creates the admin API handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{cfg: cfg}
	manage := func(fn sapi.GuardedHandlerFunc) httprouter.Handle {
		return cfg.Guard.WithPermission(tollgate.PermissionManageRotations, fn)
	}

	// httprouter refuses static segments like "initiate" or "active" next
	// to the ":rotationId" wildcard, so each tree registers the wildcard
	// route and dispatches on the captured segment values. The wire paths
	// are exactly:
	//
	//	POST   /api/v1/rotations/initiate
	//	PUT    /api/v1/rotations/:rotationId/advance
	//	PUT    /api/v1/rotations/:rotationId/complete
	//	PUT    /api/v1/rotations/:rotationId/rollback
	//	DELETE /api/v1/rotations/:rotationId
	//	GET    /api/v1/rotations/:rotationId
	//	GET    /api/v1/rotations/client/:clientId
	//	GET    /api/v1/rotations/active
	//	GET    /api/v1/rotations
	h.POST("/api/v1/rotations/:rotationId", manage(h.create))
	h.PUT("/api/v1/rotations/:rotationId/:action", manage(h.transition))
	h.DELETE("/api/v1/rotations/:rotationId", manage(h.abort))
	h.GET("/api/v1/rotations/:rotationId", manage(h.get))
	h.GET("/api/v1/rotations/:rotationId/:clientId", manage(h.getByClient))
	h.GET("/api/v1/rotations", manage(h.list))

	return h, nil
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request, p httprouter.Params, authCtx *sapi.AuthContext) (interface{}, error) {
	if p.ByName("rotationId") != "initiate" {
		return nil, httplib.NewError(httplib.CodeNotFound, trace.NotFound("unknown rotation operation"))
	}
	return h.initiate(w, r, p, authCtx)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, p httprouter.Params, authCtx *sapi.AuthContext) (interface{}, error) {
	switch p.ByName("action") {
	case "advance":
		return h.advance(w, r, p, authCtx)
	case "complete":
		return h.complete(w, r, p, authCtx)
	case "rollback":
		return h.rollback(w, r, p, authCtx)
	default:
		return nil, httplib.NewError(httplib.CodeNotFound, trace.NotFound("unknown rotation action %q", p.ByName("action")))
	}
}

// InitiateRotationRequest is the body of the initiate route.
type InitiateRotationRequest struct {
	// ClientID is the client whose credential rotates.
	ClientID string `json:"clientId"`
	// TransitionPeriodMinutes overrides the default DUAL_ACTIVE window.
	TransitionPeriodMinutes int `json:"transitionPeriodMinutes,omitempty"`
	// Reason is recorded on the rotation.
	Reason string `json:"reason,omitempty"`
	// Force supersedes an in-flight rotation instead of refusing.
	Force bool `json:"force,omitempty"`
}

// AdvanceRotationRequest is the body of the advance route.
type AdvanceRotationRequest struct {
	// TargetState is the state the rotation should move to.
	TargetState store.State `json:"targetState"`
}

// AbortRotationRequest is the body of the abort route.
type AbortRotationRequest struct {
	// Reason is recorded on the failed rotation.
	Reason string `json:"reason,omitempty"`
}

// InitiateRotationResponse returns the created rotation and the new
// plaintext secret. The secret appears here and nowhere else; it cannot be
// retrieved again.
type InitiateRotationResponse struct {
	Rotation *store.Record `json:"rotation"`
	Secret   string        `json:"secret"`
}

// RotationResponse wraps a single rotation record.
type RotationResponse struct {
	Rotation *store.Record `json:"rotation"`
}

// RotationsResponse wraps a rotation listing.
type RotationsResponse struct {
	Rotations []*store.Record `json:"rotations"`
}

func (h *Handler) initiate(_ http.ResponseWriter, r *http.Request, _ httprouter.Params, authCtx *sapi.AuthContext) (interface{}, error) {
	var req InitiateRotationRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.ClientID == "" {
		return nil, httplib.NewError(httplib.CodeBadRequest, trace.BadParameter("missing clientId"))
	}
	if req.TransitionPeriodMinutes < 0 {
		return nil, httplib.NewError(httplib.CodeBadRequest, trace.BadParameter("transitionPeriodMinutes must not be negative"))
	}

	result, err := h.cfg.Coordinator.Initiate(r.Context(), rotation.InitiateParams{
		ClientID:         req.ClientID,
		TransitionPeriod: time.Duration(req.TransitionPeriodMinutes) * time.Minute,
		Reason:           req.Reason,
		Force:            req.Force,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	logger.InfoContext(r.Context(), "Rotation initiated by operator.",
		"rotation_id", result.Record.ID,
		"operator", authCtx.Claims.Subject,
		"force", req.Force,
	)
	return InitiateRotationResponse{Rotation: result.Record, Secret: result.Secret}, nil
}

func (h *Handler) advance(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *sapi.AuthContext) (interface{}, error) {
	var req AdvanceRotationRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.TargetState == "" {
		return nil, httplib.NewError(httplib.CodeBadRequest, trace.BadParameter("missing targetState"))
	}
	record, err := h.cfg.Coordinator.Advance(r.Context(), p.ByName("rotationId"), req.TargetState)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return RotationResponse{Rotation: record}, nil
}

func (h *Handler) complete(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *sapi.AuthContext) (interface{}, error) {
	record, err := h.cfg.Coordinator.Complete(r.Context(), p.ByName("rotationId"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return RotationResponse{Rotation: record}, nil
}

func (h *Handler) abort(_ http.ResponseWriter, r *http.Request, p httprouter.Params, authCtx *sapi.AuthContext) (interface{}, error) {
	// The abort body is optional.
	var req AbortRotationRequest
	if r.ContentLength != 0 {
		if err := httplib.ReadJSON(r, &req); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	record, err := h.cfg.Coordinator.Abort(r.Context(), p.ByName("rotationId"), req.Reason)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	logger.InfoContext(r.Context(), "Rotation aborted by operator.",
		"rotation_id", record.ID,
		"operator", authCtx.Claims.Subject,
	)
	return RotationResponse{Rotation: record}, nil
}

func (h *Handler) rollback(_ http.ResponseWriter, r *http.Request, p httprouter.Params, authCtx *sapi.AuthContext) (interface{}, error) {
	record, err := h.cfg.Coordinator.Rollback(r.Context(), p.ByName("rotationId"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	logger.InfoContext(r.Context(), "Rotation rolled back by operator.",
		"rotation_id", record.ID,
		"operator", authCtx.Claims.Subject,
	)
	return RotationResponse{Rotation: record}, nil
}

func (h *Handler) get(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *sapi.AuthContext) (interface{}, error) {
	// GET /api/v1/rotations/active lists rotations still in flight.
	if p.ByName("rotationId") == "active" {
		records, err := h.cfg.Coordinator.List(r.Context(), store.Filter{NonTerminal: true})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return RotationsResponse{Rotations: records}, nil
	}
	record, err := h.cfg.Coordinator.GetStatus(r.Context(), p.ByName("rotationId"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return RotationResponse{Rotation: record}, nil
}

func (h *Handler) getByClient(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *sapi.AuthContext) (interface{}, error) {
	// Only GET /api/v1/rotations/client/:clientId lives on this tree.
	if p.ByName("rotationId") != "client" {
		return nil, httplib.NewError(httplib.CodeNotFound, trace.NotFound("unknown rotation resource"))
	}
	records, err := h.cfg.Coordinator.List(r.Context(), store.Filter{ClientID: p.ByName("clientId")})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return RotationsResponse{Rotations: records}, nil
}

func (h *Handler) list(_ http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *sapi.AuthContext) (interface{}, error) {
	filter := store.Filter{ClientID: r.URL.Query().Get("clientId")}
	if state := r.URL.Query().Get("state"); state != "" {
		s := store.State(state)
		if !s.Valid() {
			return nil, httplib.NewError(httplib.CodeBadRequest, trace.BadParameter("unknown rotation state %q", state))
		}
		filter.States = []store.State{s}
	}

	records, err := h.cfg.Coordinator.List(r.Context(), filter)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return RotationsResponse{Rotations: records}, nil
}
