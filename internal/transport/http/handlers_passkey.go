package httptransport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	dErrors "hearth/pkg/domain-errors"
	"hearth/pkg/platform/httputil"
)

type registrationOptionsRequest struct {
	ProfileID string `json:"profileId,omitempty"`
}

type ceremonyVerifyRequest struct {
	SessionID   string          `json:"sessionId"`
	Response    json.RawMessage `json:"response"`
	DeviceLabel string          `json:"deviceLabel,omitempty"`
}

type checkResponse struct {
	HasCredentials bool `json:"hasCredentials"`
}

func (v ceremonyVerifyRequest) validate() error {
	if v.SessionID == "" || len(v.Response) == 0 {
		return dErrors.New(dErrors.CodeBadRequest, "sessionId and response are required")
	}
	return nil
}

func (h *Handler) handleRegistrationOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req registrationOptionsRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			h.writeError(w, r, "invalid registration options request", err)
			return
		}
	}
	opts, err := roomFrom(ctx).Ceremonies.BeginRegistration(ctx, r.Header.Get("Origin"), req.ProfileID, principal(ctx))
	if err != nil {
		h.writeError(w, r, "registration options refused", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, opts)
}

func (h *Handler) handleRegistrationVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req ceremonyVerifyRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, "invalid registration response", err)
		return
	}
	if err := req.validate(); err != nil {
		h.writeError(w, r, "invalid registration response", err)
		return
	}
	cred, err := roomFrom(ctx).Ceremonies.FinishRegistration(ctx, r.Header.Get("Origin"), req.SessionID, req.Response, req.DeviceLabel, principal(ctx))
	if err != nil {
		h.writeError(w, r, "passkey registration failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toPasskeyResponse(cred))
}

func (h *Handler) handleAuthenticationOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	opts, err := roomFrom(ctx).Ceremonies.BeginAuthentication(ctx, r.Header.Get("Origin"))
	if err != nil {
		h.writeError(w, r, "authentication options refused", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, opts)
}

func (h *Handler) handleAuthenticationVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req ceremonyVerifyRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, "invalid authentication response", err)
		return
	}
	if err := req.validate(); err != nil {
		h.writeError(w, r, "invalid authentication response", err)
		return
	}
	owner, err := roomFrom(ctx).Ceremonies.FinishAuthentication(ctx, r.Header.Get("Origin"), req.SessionID, req.Response)
	if err != nil {
		h.writeError(w, r, "passkey authentication failed", err)
		return
	}
	resp, err := h.signFor(ctx, owner)
	if err != nil {
		h.writeError(w, r, "failed to sign session token", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCheckPasskeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	has, err := roomFrom(ctx).Ceremonies.HasCredentials(ctx)
	if err != nil {
		h.writeError(w, r, "failed to check passkeys", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, checkResponse{HasCredentials: has})
}

func (h *Handler) handleRemovePasskey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := roomFrom(ctx).Ceremonies.RemoveCredential(ctx, chi.URLParam(r, "id"), principal(ctx)); err != nil {
		h.writeError(w, r, "passkey removal rejected", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
