package httptransport

import (
	"net/http"
	"strings"

	dErrors "hearth/pkg/domain-errors"
	"hearth/pkg/domain"
	"hearth/pkg/platform/audit"
	"hearth/pkg/platform/httputil"
	request "hearth/pkg/platform/middleware/request"
	"hearth/pkg/requestcontext"
)

type loginRequest struct {
	Code string `json:"code"`
}

type selectSessionRequest struct {
	ProfileID string `json:"profileId"`
}

type passwordResetRequest struct {
	Email string `json:"email"`
}

type passwordResetConfirmRequest struct {
	Token           string `json:"token"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"passwordConfirm"`
}

type meResponse struct {
	SubjectID   string        `json:"subjectId"`
	DisplayName string        `json:"displayName"`
	Role        domain.Role   `json:"role"`
	Room        string        `json:"room"`
	Provisional bool          `json:"provisional"`
	User        *userResponse `json:"user,omitempty"`
}

// handleLogin redeems an invite code for a provisional credential. Every
// rejected code counts against the client's failure budget; a success
// clears it.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rm := roomFrom(ctx)
	clientKey := requestcontext.ClientIP(ctx)

	var req loginRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, "invalid login request", err)
		return
	}

	result, err := rm.Lockout.Check(ctx, clientKey)
	if err != nil {
		h.writeError(w, r, "failed to check login rate limit", err)
		return
	}
	if !result.Allowed {
		h.metrics.ObserveLogin("rate_limited")
		h.logger.WarnContext(ctx, "login rate limited",
			"client_key", clientKey,
			"retry_after", result.RetryAfterSeconds,
			"request_id", request.GetRequestID(ctx),
		)
		httputil.WriteRateLimited(w, result.RetryAfterSeconds)
		return
	}

	p, err := rm.Invites.Redeem(ctx, strings.TrimSpace(req.Code))
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeUnauthorized) {
			h.metrics.ObserveLogin("invalid_code")
			if _, ferr := rm.Lockout.RecordFailure(ctx, clientKey); ferr != nil {
				h.logger.ErrorContext(ctx, "failed to record login failure",
					"request_id", request.GetRequestID(ctx),
					"error", ferr,
				)
			}
			audit.LogAudit(ctx, h.logger, h.emitter, audit.EventAuthFailed,
				"client_key", clientKey,
				"reason", "invalid_invite_code",
			)
		}
		h.writeError(w, r, "login rejected", err)
		return
	}

	if err := rm.Lockout.Clear(ctx, clientKey); err != nil {
		h.logger.ErrorContext(ctx, "failed to clear login failures",
			"request_id", request.GetRequestID(ctx),
			"error", err,
		)
	}

	issued, err := h.signer.Sign(ctx, p)
	if err != nil {
		h.writeError(w, r, "failed to sign provisional token", err)
		return
	}
	h.metrics.ObserveLogin("success")
	httputil.WriteJSON(w, http.StatusOK, sessionResponse{Token: issued.Token, ExpiresAt: issued.ExpiresAt})
}

// handleSelectSession binds the caller to a profile and returns a fresh
// credential for it. A provisional caller may pick any profile that is not
// protected by a passkey; a profile-bound caller may re-select itself, and
// elevated callers may switch to any profile.
func (h *Handler) handleSelectSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rm := roomFrom(ctx)
	caller := principal(ctx)

	var req selectSessionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, "invalid session request", err)
		return
	}
	if req.ProfileID == "" {
		h.writeError(w, r, "invalid session request", dErrors.New(dErrors.CodeBadRequest, "profileId is required"))
		return
	}

	target, err := rm.Profiles.Get(ctx, req.ProfileID)
	if err != nil {
		h.writeError(w, r, "profile selection failed", err)
		return
	}
	switch {
	case caller.CanManage() && !caller.IsProvisional():
	case caller.IsProvisional():
		if len(target.Credentials) > 0 {
			h.writeError(w, r, "profile selection refused", dErrors.New(dErrors.CodeForbidden, "profile is protected by a passkey"))
			return
		}
	case caller.SubjectID != target.ID:
		h.writeError(w, r, "profile selection refused", dErrors.New(dErrors.CodeForbidden, "cannot switch to another profile"))
		return
	}

	resp, err := h.signFor(ctx, target)
	if err != nil {
		h.writeError(w, r, "failed to sign session token", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := principal(ctx)
	resp := meResponse{
		SubjectID:   caller.SubjectID,
		DisplayName: caller.DisplayName,
		Role:        caller.Role,
		Room:        requestcontext.Room(ctx),
		Provisional: caller.IsProvisional(),
	}
	if !caller.IsProvisional() {
		p, err := roomFrom(ctx).Profiles.Get(ctx, caller.SubjectID)
		if err != nil && !dErrors.HasCode(err, dErrors.CodeNotFound) {
			h.writeError(w, r, "failed to load caller profile", err)
			return
		}
		if err == nil {
			resp.User = toUserResponse(p)
		}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req passwordResetRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, "invalid password reset request", err)
		return
	}
	email := strings.TrimSpace(req.Email)
	if !strings.Contains(email, "@") {
		h.writeError(w, r, "invalid password reset request", dErrors.New(dErrors.CodeBadRequest, "a valid email is required"))
		return
	}
	if h.resets == nil {
		h.writeError(w, r, "password reset unavailable", dErrors.New(dErrors.CodeUpstream, "record store is not configured"))
		return
	}
	if err := h.resets.RequestPasswordReset(ctx, email); err != nil {
		h.writeError(w, r, "password reset request failed", err)
		return
	}
	audit.LogAudit(ctx, h.logger, h.emitter, audit.EventPasswordResetRequest,
		"identifier", email,
	)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePasswordResetConfirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req passwordResetConfirmRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, "invalid password reset confirmation", err)
		return
	}
	if req.Token == "" || req.Password == "" {
		h.writeError(w, r, "invalid password reset confirmation", dErrors.New(dErrors.CodeBadRequest, "token and password are required"))
		return
	}
	if req.Password != req.PasswordConfirm {
		h.writeError(w, r, "invalid password reset confirmation", dErrors.New(dErrors.CodeBadRequest, "passwords do not match"))
		return
	}
	if h.resets == nil {
		h.writeError(w, r, "password reset unavailable", dErrors.New(dErrors.CodeUpstream, "record store is not configured"))
		return
	}
	if err := h.resets.ConfirmPasswordReset(ctx, req.Token, req.Password, req.PasswordConfirm); err != nil {
		h.writeError(w, r, "password reset confirmation failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
