package handlers

import (
	"net/http"

	"stockgate/services/authd/internal/auth"
	"stockgate/services/authd/internal/session"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type verifyRequest struct {
	PendingToken string `json:"pendingToken"`
	Code         string `json:"code"`
}

type resendRequest struct {
	PendingToken string `json:"pendingToken"`
}

type challengeResponse struct {
	PendingToken string `json:"pendingToken"`
	Message      string `json:"message"`
	DebugCode    string `json:"debugCode,omitempty"`
}

type userResponse struct {
	User userView `json:"user"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	res, err := a.opts.Auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		respondError(w, r, err)
		return
	}
	a.respondSignIn(w, res)
}

func (a *API) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	res, err := a.opts.Auth.VerifyCode(r.Context(), req.PendingToken, req.Code)
	if err != nil {
		respondError(w, r, err)
		return
	}
	a.respondSignIn(w, res)
}

func (a *API) handleResendCode(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	res, err := a.opts.Auth.ResendCode(r.Context(), req.PendingToken)
	if err != nil {
		respondError(w, r, err)
		return
	}
	a.respondSignIn(w, res)
}

func (a *API) respondSignIn(w http.ResponseWriter, res auth.Result) {
	if res.SignedIn() {
		a.opts.Cookies.Set(w, res.Session.Token)
		respondJSON(w, http.StatusOK, userResponse{User: newUserView(res.Account)})
		return
	}
	respondJSON(w, http.StatusOK, challengeResponse{
		PendingToken: res.PendingToken,
		Message:      res.Message,
		DebugCode:    res.DebugCode,
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := session.IdentityFrom(r.Context())
	if !ok {
		respondError(w, r, session.ErrUnauthorized)
		return
	}

	account, err := a.opts.Auth.CurrentAccount(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, userResponse{User: newUserView(account)})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	id, ok := session.IdentityFrom(r.Context())
	if !ok {
		respondError(w, r, session.ErrUnauthorized)
		return
	}

	if err := a.opts.Auth.Logout(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	a.opts.Cookies.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}
