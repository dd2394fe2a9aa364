package handlers

import (
	"net/http"
)

type smtpCheckResponse struct {
	Configured bool   `json:"configured"`
	Status     string `json:"status,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

const smtpNotConfigured = "SMTP_HOST not set"

func (a *API) handleSMTPCheck(w http.ResponseWriter, r *http.Request) {
	if a.opts.SMTP == nil {
		respondJSON(w, http.StatusOK, smtpCheckResponse{Message: smtpNotConfigured})
		return
	}

	if err := a.opts.SMTP.Verify(r.Context()); err != nil {
		respondJSON(w, http.StatusInternalServerError, smtpCheckResponse{Configured: true, Status: "error", Error: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, smtpCheckResponse{Configured: true, Status: "ok"})
}

// handleSMTPDiagnostics answers 500 only when DNS or TCP fail; a relay that
// connects but rejects the protocol exchange still yields 200 with verifyStatus "error".
func (a *API) handleSMTPDiagnostics(w http.ResponseWriter, r *http.Request) {
	if a.opts.SMTP == nil {
		respondJSON(w, http.StatusOK, map[string]string{"error": smtpNotConfigured})
		return
	}

	d := a.opts.SMTP.Diagnose(r.Context())
	status := http.StatusOK
	if d.Error != "" {
		status = http.StatusInternalServerError
	}
	respondJSON(w, status, d)
}
