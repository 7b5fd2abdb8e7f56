package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"hearth/internal/profile"
	"hearth/pkg/platform/httputil"
)

type profilesResponse struct {
	Profiles []*userResponse `json:"profiles"`
}

func (h *Handler) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	profiles, err := roomFrom(ctx).Profiles.List(ctx)
	if err != nil {
		h.writeError(w, r, "failed to list profiles", err)
		return
	}
	resp := profilesResponse{Profiles: make([]*userResponse, 0, len(profiles))}
	for _, p := range profiles {
		resp.Profiles = append(resp.Profiles, toUserResponse(p))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleUpsertProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := principal(ctx)

	var in profile.UpsertInput
	if err := httputil.DecodeJSON(r, &in); err != nil {
		h.writeError(w, r, "invalid profile", err)
		return
	}
	saved, created, err := roomFrom(ctx).Profiles.Upsert(ctx, in, caller)
	if err != nil {
		h.writeError(w, r, "profile upsert rejected", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	if !caller.IsProvisional() && caller.SubjectID != saved.ID {
		// An elevated caller managing someone else keeps its own credential.
		httputil.WriteJSON(w, status, sessionResponse{User: toUserResponse(saved)})
		return
	}
	session, err := h.signFor(ctx, saved)
	if err != nil {
		h.writeError(w, r, "failed to sign session token", err)
		return
	}
	httputil.WriteJSON(w, status, session)
}

func (h *Handler) handlePatchProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var patch profile.Patch
	if err := httputil.DecodeJSON(r, &patch); err != nil {
		h.writeError(w, r, "invalid profile patch", err)
		return
	}
	saved, err := roomFrom(ctx).Profiles.Patch(ctx, chi.URLParam(r, "id"), patch, principal(ctx))
	if err != nil {
		h.writeError(w, r, "profile patch rejected", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toUserResponse(saved))
}

func (h *Handler) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := roomFrom(ctx).Profiles.Delete(ctx, chi.URLParam(r, "id"), principal(ctx)); err != nil {
		h.writeError(w, r, "profile delete rejected", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
