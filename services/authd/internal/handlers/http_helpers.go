package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"

	"stockgate/services/authd/internal/accounts"
	"stockgate/services/authd/internal/auth"
	authmw "stockgate/services/authd/internal/middleware"
	"stockgate/services/authd/internal/models"
	"stockgate/services/authd/internal/otp"
	"stockgate/services/authd/internal/password"
	"stockgate/services/authd/internal/session"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("bad request")

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return fmt.Errorf("%w: request body required", errBadRequest)
	}
	defer r.Body.Close()

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body required", errBadRequest)
		}
		return fmt.Errorf("%w: %s", errBadRequest, err.Error())
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondMessage(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"message": message})
}

type errorMapping struct {
	target  error
	status  int
	message string
}

// errorTable maps domain errors to the status and message sent to clients.
var errorTable = []errorMapping{
	{auth.ErrMissingCredentials, http.StatusBadRequest, "Email and password are required"},
	{auth.ErrInvalidCredentials, http.StatusUnauthorized, "Invalid email or password"},
	{auth.ErrAccountDisabled, http.StatusForbidden, "Account is disabled"},
	{auth.ErrMissingToken, http.StatusBadRequest, "Pending token is required"},
	{auth.ErrMissingCode, http.StatusBadRequest, "Verification code is required"},
	{auth.ErrDispatchFailed, http.StatusInternalServerError, "Unable to send verification code"},
	{otp.ErrInvalidRequest, http.StatusBadRequest, "Invalid verification request"},
	{otp.ErrAlreadyUsed, http.StatusBadRequest, "Verification code already used"},
	{otp.ErrExpired, http.StatusBadRequest, "Verification code expired"},
	{otp.ErrInvalidCode, http.StatusUnauthorized, "Invalid verification code"},
	{otp.ErrResendTooSoon, http.StatusTooManyRequests, "Please wait before requesting a new code"},
	{session.ErrUnauthorized, http.StatusUnauthorized, "Unauthorized"},
	{authmw.ErrForbidden, http.StatusForbidden, "Forbidden"},
	{accounts.ErrNotFound, http.StatusNotFound, "User not found"},
	{accounts.ErrMissingFields, http.StatusBadRequest, "Email, password, and role are required"},
	{models.ErrInvalidRole, http.StatusBadRequest, "Invalid role"},
	{password.ErrTooLong, http.StatusBadRequest, "Password must be at most 72 bytes"},
	{accounts.ErrEmailInUse, http.StatusConflict, "Email already in use"},
	{accounts.ErrSelfDeactivate, http.StatusBadRequest, "You cannot deactivate your own account"},
	{accounts.ErrSelfDemote, http.StatusBadRequest, "You cannot remove your own admin access"},
	{accounts.ErrSelfDelete, http.StatusBadRequest, "You cannot delete your own account"},
	{accounts.ErrLastAdmin, http.StatusBadRequest, "Cannot remove the last active admin"},
	{accounts.ErrLastAdminDelete, http.StatusBadRequest, "Cannot delete the last active admin"},
}

func statusFor(err error) (int, string) {
	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			return m.status, m.message
		}
	}
	if errors.Is(err, errBadRequest) {
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, "Internal server error"
}

// respondError writes the mapped message. Unmapped and dispatch errors are logged;
// their detail never reaches the client.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg(message)
	}
	respondMessage(w, status, message)
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}
