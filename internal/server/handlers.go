package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"vpsforge/internal/instance"
	"vpsforge/internal/logging"
	"vpsforge/internal/orchestrator"
)

// provisionTimeout bounds one background provisioning run end to end
const provisionTimeout = 10 * time.Minute

type createInstanceRequest struct {
	OwnerID           string `json:"owner_id"`
	ExternalServiceID string `json:"external_service_id"`
	Plan              string `json:"plan"`
	Region            string `json:"region"`
	Subdomain         string `json:"subdomain"`
}

type createInstanceResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.orch.Create(r.Context(), orchestrator.ProvisionParams{
		OwnerID:           req.OwnerID,
		ExternalServiceID: req.ExternalServiceID,
		Plan:              req.Plan,
		Region:            req.Region,
		Subdomain:         req.Subdomain,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	// External provisioning steps run off the request path
	id := rec.ID
	s.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), provisionTimeout)
		defer cancel()
		if err := s.orch.ResumeProvision(ctx, id); err != nil {
			logging.Logger().Error("Background provisioning failed",
				zap.String("instance_id", id),
				zap.Error(err),
			)
		}
	})

	writeJSON(w, http.StatusAccepted, createInstanceResponse{
		ID:     rec.ID,
		Status: string(rec.Status),
	})
}

// instanceView is the externally visible projection of a record; the
// callback token never leaves the orchestrator
type instanceView struct {
	ID                string          `json:"id"`
	ExternalServiceID string          `json:"external_service_id"`
	Plan              string          `json:"plan"`
	Region            string          `json:"region"`
	Subdomain         string          `json:"subdomain"`
	PublicIP          string          `json:"public_ip,omitempty"`
	Status            instance.Status `json:"status"`
	Health            instance.Health `json:"health"`
	SoftwareVersion   string          `json:"software_version,omitempty"`
	ServicePort       int             `json:"service_port,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	rec, err := s.orch.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, instanceView{
		ID:                rec.ID,
		ExternalServiceID: rec.ExternalServiceID,
		Plan:              rec.Plan,
		Region:            rec.Region,
		Subdomain:         rec.Subdomain,
		PublicIP:          rec.PublicIP,
		Status:            rec.Status,
		Health:            rec.Health,
		SoftwareVersion:   rec.SoftwareVersion,
		ServicePort:       rec.ServicePort,
		LastError:         rec.LastError,
		CreatedAt:         rec.CreatedAt,
	})
}

type readyCallbackRequest struct {
	Token           string `json:"token"`
	SoftwareVersion string `json:"software_version"`
	ServicePort     int    `json:"service_port"`
}

func (s *Server) handleReadyCallback(w http.ResponseWriter, r *http.Request) {
	var req readyCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.orch.HandleReadyCallback(r.Context(), chi.URLParam(r, "id"), req.Token, orchestrator.ReadyReport{
		SoftwareVersion: req.SoftwareVersion,
		ServicePort:     req.ServicePort,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type billingEventRequest struct {
	Event             string `json:"event"`
	ExternalServiceID string `json:"external_service_id"`
	NewPlan           string `json:"new_plan,omitempty"`
}

func (s *Server) handleBillingEvent(w http.ResponseWriter, r *http.Request) {
	var req billingEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.orch.HandleBillingEvent(r.Context(), req.Event, req.ExternalServiceID, req.NewPlan); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Logger().Error("Failed to encode response", zap.Error(err))
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeError maps orchestrator errors onto HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	var (
		ve  *orchestrator.ValidationError
		nfe *orchestrator.NotFoundError
		tme *orchestrator.TokenMismatchError
	)
	switch {
	case errors.As(err, &ve):
		writeJSONError(w, http.StatusBadRequest, ve.Error())
	case errors.As(err, &nfe):
		writeJSONError(w, http.StatusNotFound, nfe.Error())
	case errors.As(err, &tme):
		writeJSONError(w, http.StatusUnauthorized, "token mismatch")
	default:
		logging.Logger().Error("Request failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
