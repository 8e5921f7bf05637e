package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sandeepkv93/keygate/internal/domain"
	"github.com/sandeepkv93/keygate/internal/http/middleware"
	"github.com/sandeepkv93/keygate/internal/http/response"
	"github.com/sandeepkv93/keygate/internal/observability"
	"github.com/sandeepkv93/keygate/internal/repository"
	"github.com/sandeepkv93/keygate/internal/service"
)

// OwnerHandler serves keysystem management for authenticated owners.
type OwnerHandler struct {
	keysystems *service.KeysystemService
}

func NewOwnerHandler(keysystems *service.KeysystemService) *OwnerHandler {
	return &OwnerHandler{keysystems: keysystems}
}

type keysystemRequest struct {
	Name               *string `json:"name"`
	Active             *bool   `json:"active"`
	MaxKeysPerPerson   *int    `json:"max_keys_per_person"`
	MaxKeyLimit        *int    `json:"max_key_limit"`
	KeyTimerSeconds    *int64  `json:"key_timer_seconds"`
	KeyCooldownSeconds *int64  `json:"key_cooldown_seconds"`
	Permanent          *bool   `json:"permanent"`
	WebhookURL         *string `json:"webhook_url"`
	ProviderToken      *string `json:"provider_token"`
}

func seconds(v *int64) *time.Duration {
	if v == nil {
		return nil
	}
	d := time.Duration(*v) * time.Second
	return &d
}

func deref[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}

func (req keysystemRequest) createInput() service.CreateKeysystemInput {
	return service.CreateKeysystemInput{
		Name:             deref(req.Name),
		MaxKeysPerPerson: deref(req.MaxKeysPerPerson),
		MaxKeyLimit:      deref(req.MaxKeyLimit),
		KeyTimer:         deref(seconds(req.KeyTimerSeconds)),
		KeyCooldown:      deref(seconds(req.KeyCooldownSeconds)),
		Permanent:        deref(req.Permanent),
		WebhookURL:       deref(req.WebhookURL),
		ProviderToken:    deref(req.ProviderToken),
		Active:           req.Active,
	}
}

func (req keysystemRequest) updateInput() service.UpdateKeysystemInput {
	return service.UpdateKeysystemInput{
		Name:             req.Name,
		Active:           req.Active,
		MaxKeysPerPerson: req.MaxKeysPerPerson,
		MaxKeyLimit:      req.MaxKeyLimit,
		KeyTimer:         seconds(req.KeyTimerSeconds),
		KeyCooldown:      seconds(req.KeyCooldownSeconds),
		Permanent:        req.Permanent,
		WebhookURL:       req.WebhookURL,
		ProviderToken:    req.ProviderToken,
	}
}

func (h *OwnerHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.keysystems.List(r.Context(), middleware.OwnerIDFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, list)
}

func (h *OwnerHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req keysystemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	ks, err := h.keysystems.Create(r.Context(), middleware.OwnerIDFromContext(r.Context()), req.createInput())
	if err != nil {
		observability.Audit(r, "keysystem.create", "failure", err.Error())
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "keysystem.create", "success", "", "keysystem_id", ks.ID)
	response.JSON(w, r, http.StatusCreated, ks)
}

func (h *OwnerHandler) Get(w http.ResponseWriter, r *http.Request) {
	ks, err := h.keysystems.Get(r.Context(), middleware.OwnerIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, ks)
}

func (h *OwnerHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req keysystemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	ks, err := h.keysystems.Update(r.Context(), middleware.OwnerIDFromContext(r.Context()), id, req.updateInput())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "keysystem.update", "success", "", "keysystem_id", id)
	response.JSON(w, r, http.StatusOK, ks)
}

func (h *OwnerHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.keysystems.Delete(r.Context(), middleware.OwnerIDFromContext(r.Context()), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "keysystem.delete", "success", "", "keysystem_id", id)
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

type insertCheckpointRequest struct {
	Position    *json.Number `json:"position"`
	Provider    string       `json:"provider"`
	Mandatory   bool         `json:"mandatory"`
	RedirectURL string       `json:"redirect_url"`
}

func (h *OwnerHandler) InsertCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req insertCheckpointRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	p, err := domain.ParseProvider(req.Provider)
	if err != nil {
		writeServiceError(w, r, fmt.Errorf("%w: %v", service.ErrValidation, err))
		return
	}
	pos, err := positionField(req.Position, "position")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	list, err := h.keysystems.InsertCheckpoint(r.Context(), middleware.OwnerIDFromContext(r.Context()), id,
		service.CheckpointInput{Provider: p, Mandatory: req.Mandatory, RedirectURL: req.RedirectURL}, pos)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "checkpoint.insert", "success", "", "keysystem_id", id, "position", pos)
	response.JSON(w, r, http.StatusCreated, list)
}

func (h *OwnerHandler) RemoveCheckpoint(w http.ResponseWriter, r *http.Request) {
	pos, err := positionParam(chi.URLParam(r, "position"), "position")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	list, err := h.keysystems.RemoveCheckpoint(r.Context(), middleware.OwnerIDFromContext(r.Context()), id, pos)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "checkpoint.remove", "success", "", "keysystem_id", id, "position", pos)
	response.JSON(w, r, http.StatusOK, list)
}

type reorderRequest struct {
	From *json.Number `json:"from"`
	To   *json.Number `json:"to"`
}

func (h *OwnerHandler) ReorderCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	from, err := positionField(req.From, "from")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	to, err := positionField(req.To, "to")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	list, err := h.keysystems.ReorderCheckpoint(r.Context(), middleware.OwnerIDFromContext(r.Context()), id, from, to)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "checkpoint.reorder", "success", "", "keysystem_id", id)
	response.JSON(w, r, http.StatusOK, list)
}

func (h *OwnerHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("page_size"))
	result, err := h.keysystems.ListKeys(r.Context(), middleware.OwnerIDFromContext(r.Context()), chi.URLParam(r, "id"),
		repository.PageRequest{Page: page, PageSize: size})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, result)
}

func (h *OwnerHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.keysystems.DeleteKey(r.Context(), middleware.OwnerIDFromContext(r.Context()), id, chi.URLParam(r, "value")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "key.delete", "success", "", "keysystem_id", id)
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

// DeleteKeysByOwner removes every key held by the visitor fingerprint in ?owner=.
func (h *OwnerHandler) DeleteKeysByOwner(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := h.keysystems.DeleteKeysByOwner(r.Context(), middleware.OwnerIDFromContext(r.Context()), id, r.URL.Query().Get("owner"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "key.delete_by_owner", "success", "", "keysystem_id", id, "removed", n)
	response.JSON(w, r, http.StatusOK, map[string]int64{"removed": n})
}
