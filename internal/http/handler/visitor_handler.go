package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sandeepkv93/keygate/internal/http/middleware"
	"github.com/sandeepkv93/keygate/internal/http/response"
	"github.com/sandeepkv93/keygate/internal/observability"
	"github.com/sandeepkv93/keygate/internal/security"
	"github.com/sandeepkv93/keygate/internal/service"
	"github.com/sandeepkv93/keygate/internal/webhook"
)

// VisitorHandler serves the unauthenticated checkpoint flow.
type VisitorHandler struct {
	keysystems   *service.KeysystemService
	machine      *service.CheckpointMachine
	keys         *service.KeyIssuer
	fingerprints *security.Fingerprinter
}

func NewVisitorHandler(
	keysystems *service.KeysystemService,
	machine *service.CheckpointMachine,
	keys *service.KeyIssuer,
	fingerprints *security.Fingerprinter,
) *VisitorHandler {
	return &VisitorHandler{keysystems: keysystems, machine: machine, keys: keys, fingerprints: fingerprints}
}

func (h *VisitorHandler) client(r *http.Request) webhook.ClientMetadata {
	ip := middleware.ClientIP(r)
	return webhook.ClientMetadata{
		Origin:      ip,
		UserAgent:   r.UserAgent(),
		Fingerprint: h.fingerprints.Fingerprint(ip),
	}
}

func (h *VisitorHandler) Keysystem(w http.ResponseWriter, r *http.Request) {
	view, err := h.keysystems.Public(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, view)
}

func (h *VisitorHandler) Start(w http.ResponseWriter, r *http.Request) {
	res, err := h.machine.Start(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "sid"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, res)
}

func (h *VisitorHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.machine.ResolveCallback(r.Context(), service.CallbackRequest{
		Provider:   chi.URLParam(r, "provider"),
		CallbackID: q.Get("callback"),
		SessionID:  q.Get("session"),
		Hash:       q.Get("hash"),
		Client:     h.client(r),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, res)
}

func (h *VisitorHandler) Session(w http.ResponseWriter, r *http.Request) {
	view, err := h.machine.Peek(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "sid"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, view)
}

type completeRequest struct {
	Token      string `json:"token"`
	Checkpoint *int   `json:"checkpoint"`
}

func (h *VisitorHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	claimed := -1
	if req.Checkpoint != nil {
		claimed = *req.Checkpoint
	}
	client := h.client(r)
	res, err := h.machine.Complete(r.Context(), service.CompleteRequest{
		KeysystemID: chi.URLParam(r, "id"),
		SessionID:   chi.URLParam(r, "sid"),
		Token:       req.Token,
		Checkpoint:  claimed,
		Fingerprint: client.Fingerprint,
		Client:      client,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if res.Key != nil {
		observability.Audit(r, "key.issue", "success", "", "keysystem_id", res.Key.KeysystemID)
		response.JSON(w, r, http.StatusCreated, res)
		return
	}
	response.JSON(w, r, http.StatusOK, res)
}

func (h *VisitorHandler) Claim(w http.ResponseWriter, r *http.Request) {
	client := h.client(r)
	res, err := h.machine.Claim(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "sid"), client.Fingerprint, client)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "key.issue", "success", "claim", "keysystem_id", chi.URLParam(r, "id"))
	response.JSON(w, r, http.StatusCreated, res)
}

func (h *VisitorHandler) Destroy(w http.ResponseWriter, r *http.Request) {
	if err := h.machine.Destroy(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "sid")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "destroyed"})
}

func (h *VisitorHandler) ValidateKey(w http.ResponseWriter, r *http.Request) {
	res, err := h.keys.Validate(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "value"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, res)
}
