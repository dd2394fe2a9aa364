package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"stockgate/services/authd/internal/accounts"
	"stockgate/services/authd/internal/session"
)

type createUserRequest struct {
	Email    string  `json:"email"`
	Password string  `json:"password"`
	Role     string  `json:"role"`
	Name     *string `json:"name"`
}

type updateUserRequest struct {
	Email    *string `json:"email"`
	Name     *string `json:"name"`
	Role     *string `json:"role"`
	Password *string `json:"password"`
	IsActive *bool   `json:"isActive"`
}

// actor returns the caller's account id. The session middleware guarantees it
// for every /users route.
func actor(r *http.Request) *uuid.UUID {
	id, ok := session.IdentityFrom(r.Context())
	if !ok {
		return nil
	}
	return &id.AccountID
}

// userID parses the {id} path parameter. A malformed id cannot name an account.
func userID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, accounts.ErrNotFound
	}
	return id, nil
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := a.opts.Accounts.List(r.Context(), accounts.ListFilter{
		Search:          q.Get("search"),
		IncludeInactive: q.Get("includeInactive") == "true",
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	out := make([]userView, 0, len(list))
	for _, account := range list {
		out = append(out, newUserView(account))
	}
	respondJSON(w, http.StatusOK, out)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	account, err := a.opts.Accounts.Get(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newUserView(account))
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	account, err := a.opts.Accounts.Create(r.Context(), actor(r), accounts.CreateInput{
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
		Name:     req.Name,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, newUserView(account))
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	account, err := a.opts.Accounts.Update(r.Context(), actor(r), id, accounts.UpdateInput{
		Email:    req.Email,
		Name:     req.Name,
		Role:     req.Role,
		Password: req.Password,
		IsActive: req.IsActive,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newUserView(account))
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	if err := a.opts.Accounts.Delete(r.Context(), actor(r), id); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
