package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// AdminUser is the basic-auth user name of the lead export.
const AdminUser = "admin"

// requireAdmin checks basic-auth credentials against the configured bcrypt hash.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(AdminUser)) != 1 ||
			bcrypt.CompareHashAndPassword(h.config.AdminHash, []byte(pass)) != nil {
			if ok {
				slog.Warn("admin authentication failed", "remote", r.RemoteAddr)
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="readiness admin", charset="UTF-8"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleExportLeads(w http.ResponseWriter, r *http.Request) {
	export, err := h.store.ExportLeads()
	if err != nil {
		slog.Error("failed to export leads", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, export)
}
