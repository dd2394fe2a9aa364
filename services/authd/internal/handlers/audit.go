package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"stockgate/services/authd/internal/audit"
)

func (a *API) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{TargetType: q.Get("targetType")}

	if raw := q.Get("actorId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondMessage(w, http.StatusBadRequest, "Invalid actorId")
			return
		}
		filter.ActorID = &id
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			respondMessage(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		filter.Limit = limit
	}

	rows, err := a.opts.Audit.List(r.Context(), filter)
	if err != nil {
		respondError(w, r, err)
		return
	}

	out := make([]auditLogView, 0, len(rows))
	for _, row := range rows {
		out = append(out, newAuditLogView(row))
	}
	respondJSON(w, http.StatusOK, out)
}
