package httptransport

import (
	"net/http"
	"time"

	"hearth/internal/invite"
	"hearth/pkg/platform/httputil"
)

type inviteResponse struct {
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"createdAt"`
	CreatedBy string    `json:"createdBy,omitempty"`
}

type invitesResponse struct {
	Invites []inviteResponse `json:"invites"`
}

func toInviteResponse(inv invite.Invite) inviteResponse {
	return inviteResponse{Code: inv.Code, CreatedAt: inv.CreatedAt, CreatedBy: inv.CreatedBy}
}

func (h *Handler) handleMintInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inv, err := roomFrom(ctx).Invites.Mint(ctx, principal(ctx).SubjectID)
	if err != nil {
		h.writeError(w, r, "failed to mint invite", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toInviteResponse(inv))
}

func (h *Handler) handleListInvites(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	invites, err := roomFrom(ctx).Invites.List(ctx)
	if err != nil {
		h.writeError(w, r, "failed to list invites", err)
		return
	}
	resp := invitesResponse{Invites: make([]inviteResponse, 0, len(invites))}
	for _, inv := range invites {
		resp.Invites = append(resp.Invites, toInviteResponse(inv))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// handleRecover mints an invite for an operator holding the recovery
// secret. It sits outside the rate limiter and the credential check so it
// works when those are what locked the household out.
func (h *Handler) handleRecover(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inv, err := roomFrom(ctx).Invites.Mint(ctx, "")
	if err != nil {
		h.writeError(w, r, "failed to mint recovery invite", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toInviteResponse(inv))
}
