package api

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/andresmejia3/facewatch/internal/embedding"
	"github.com/andresmejia3/facewatch/internal/matcher"
	"github.com/andresmejia3/facewatch/internal/registry"
	"github.com/andresmejia3/facewatch/internal/session"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// maxBodyBytes bounds request bodies; reference images are the largest payloads.
const maxBodyBytes = 16 << 20

type handler struct {
	deps    Deps
	logger  *zap.Logger
	closing <-chan struct{}
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return false
	}
	return true
}

type identityResponse struct {
	Name       string   `json:"name"`
	Samples    int      `json:"samples"`
	References []string `json:"references"`
}

func toIdentityResponse(id registry.Identity) identityResponse {
	refs := make([]string, len(id.References))
	for i, ref := range id.References {
		refs[i] = utils.Digest(ref)
	}
	return identityResponse{Name: id.Name, Samples: id.Samples(), References: refs}
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":     "ok",
		"identities": h.deps.Registry.Len(),
	}
	if h.deps.Session != nil {
		resp["session"] = h.deps.Session.State().String()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *handler) listIdentities(w http.ResponseWriter, r *http.Request) {
	ids := h.deps.Registry.List()
	out := make([]identityResponse, len(ids))
	for i, id := range ids {
		out[i] = toIdentityResponse(id)
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *handler) getIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := h.deps.Registry.Get(chi.URLParam(r, "name"))
	if !ok {
		respondError(w, http.StatusNotFound, "identity not found")
		return
	}
	respondJSON(w, http.StatusOK, toIdentityResponse(id))
}

func (h *handler) removeIdentity(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.deps.Registry.Remove(name); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			respondError(w, http.StatusNotFound, "identity not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Info("identity removed", zap.String("identity", name))
	w.WriteHeader(http.StatusNoContent)
}

type enrollRequest struct {
	Embedding []float32 `json:"embedding"`
	Reference []byte    `json:"reference"` // base64 in JSON
}

func (h *handler) enroll(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req enrollRequest
	if !decodeBody(w, r, &req) {
		return
	}

	err := h.deps.Registry.Enroll(name, embedding.Embedding(req.Embedding), req.Reference)
	switch {
	case errors.Is(err, registry.ErrEmptyName), errors.Is(err, registry.ErrReservedName):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, registry.ErrInvalidEmbeddingLength):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	id, _ := h.deps.Registry.Get(name)
	h.logger.Info("identity enrolled", zap.String("identity", name), zap.Int("samples", id.Samples()))
	respondJSON(w, http.StatusCreated, toIdentityResponse(id))
}

type matchRequest struct {
	Embedding []float32 `json:"embedding"`
	Threshold *float64  `json:"threshold,omitempty"`
}

// matchResponse leaves distance and confidence out when nothing was compared,
// since JSON cannot carry infinities.
type matchResponse struct {
	Name       string   `json:"name"`
	Distance   *float64 `json:"distance,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	IsMatch    bool     `json:"is_match"`
	Threshold  float64  `json:"threshold"`
}

func (h *handler) threshold() float64 {
	if h.deps.Session != nil {
		return h.deps.Session.Threshold()
	}
	return h.deps.Threshold
}

func (h *handler) match(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Embedding) == 0 {
		respondError(w, http.StatusBadRequest, "embedding is required")
		return
	}

	threshold := h.threshold()
	if req.Threshold != nil {
		if err := matcher.ValidateThreshold(*req.Threshold); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		threshold = *req.Threshold
	}

	cand, err := matcher.Match(embedding.Embedding(req.Embedding), h.deps.Registry)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	res := matcher.Policy{Threshold: threshold}.Decide(cand)

	resp := matchResponse{Name: res.Name, IsMatch: res.IsMatch, Threshold: threshold}
	if !math.IsInf(res.Distance, 0) {
		d, c := res.Distance, res.Confidence
		resp.Distance, resp.Confidence = &d, &c
	}
	respondJSON(w, http.StatusOK, resp)
}

type sessionResponse struct {
	State     string        `json:"state"`
	Threshold float64       `json:"threshold"`
	Period    string        `json:"period"`
	Present   []string      `json:"present"`
	Stats     session.Stats `json:"stats"`
}

func (h *handler) sessionState() sessionResponse {
	c := h.deps.Session
	return sessionResponse{
		State:     c.State().String(),
		Threshold: c.Threshold(),
		Period:    c.Period().String(),
		Present:   c.Present(),
		Stats:     c.Stats(),
	}
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	if h.deps.Session == nil {
		respondError(w, http.StatusServiceUnavailable, "no detection session attached")
		return
	}
	respondJSON(w, http.StatusOK, h.sessionState())
}

type sessionRequest struct {
	State     string   `json:"state,omitempty"` // "running" or "idle"
	Threshold *float64 `json:"threshold,omitempty"`
	Period    string   `json:"period,omitempty"`
}

func (h *handler) putSession(w http.ResponseWriter, r *http.Request) {
	c := h.deps.Session
	if c == nil {
		respondError(w, http.StatusServiceUnavailable, "no detection session attached")
		return
	}
	var req sessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var period time.Duration
	if req.Period != "" {
		d, err := time.ParseDuration(req.Period)
		if err != nil || d <= 0 {
			respondError(w, http.StatusBadRequest, "period must be a positive duration")
			return
		}
		period = d
	}
	if req.Threshold != nil {
		if err := matcher.ValidateThreshold(*req.Threshold); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.State != "" && req.State != session.Running.String() && req.State != session.Idle.String() {
		respondError(w, http.StatusBadRequest, "state must be running or idle")
		return
	}

	// Validated above, so these cannot fail.
	if req.Threshold != nil {
		c.SetThreshold(*req.Threshold)
	}
	if period > 0 {
		c.SetPeriod(period)
	}

	switch req.State {
	case session.Running.String():
		err := c.Start(r.Context())
		if errors.Is(err, session.ErrPreconditionFailed) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		if err != nil && !errors.Is(err, session.ErrAlreadyRunning) {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	case session.Idle.String():
		c.Stop()
	}

	respondJSON(w, http.StatusOK, h.sessionState())
}
