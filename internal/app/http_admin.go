package app

import (
	"net/http"
	"strings"

	"scriptorium/api/internal/rbac"
)

// handleAdmin serves the /admin/ routes. Every one of them needs an admin
// session.
func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		tokenBody
		ID          string `json:"id"`
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
		Email       string `json:"email"`
		Role        string `json:"role"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	admin, ok := s.authorize(w, r, body.Token, rbac.RoleAdmin)
	if !ok {
		return
	}

	switch strings.TrimPrefix(r.URL.Path, "/admin") {
	case "/registrations":
		regs, err := s.service.ListRegistrations()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeOK(w, map[string]any{"registrations": regs})

	case "/registrations/approve":
		if !requireField(w, "id", body.ID) {
			return
		}
		reg, invite, err := s.service.ApproveRegistration(admin, body.ID, body.Role)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeOK(w, map[string]any{"registration": reg, "invite": invite})

	case "/registrations/reject":
		if !requireField(w, "id", body.ID) {
			return
		}
		reg, err := s.service.RejectRegistration(admin, body.ID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeOK(w, map[string]any{"registration": reg})

	case "/users":
		users, err := s.service.ListUsers()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeOK(w, map[string]any{"users": users})

	case "/users/invite":
		invite, err := s.service.InviteUser(admin, body.Username, body.DisplayName, body.Role, body.Email)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeOK(w, map[string]any{"invite": invite})

	case "/users/role":
		if !requireField(w, "username", body.Username) {
			return
		}
		user, err := s.service.SetUserRole(r.Context(), admin, body.Username, body.Role)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeOK(w, map[string]any{"user": user})

	case "/users/delete":
		if !requireField(w, "username", body.Username) {
			return
		}
		if err := s.service.DeleteUser(r.Context(), admin, body.Username); err != nil {
			writeServiceError(w, err)
			return
		}
		writeOK(w, map[string]any{})

	case "/git-failures":
		writeOK(w, map[string]any{"failures": s.service.GitFailures()})

	case "/git-health":
		writeOK(w, map[string]any{"health": s.service.GitHealth()})

	case "/people/refresh":
		job, err := s.service.StartPeopleRefresh()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeOK(w, map[string]any{"job": job})

	case "/people/refresh/status":
		view, err := s.service.PeopleStatus()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeOK(w, map[string]any{"job": view.Job, "people": view.People})

	case "/reindex":
		report, err := s.service.Reindex(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeOK(w, map[string]any{"report": report})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func requireField(w http.ResponseWriter, name, value string) bool {
	if strings.TrimSpace(value) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", name+" is required", nil)
		return false
	}
	return true
}
