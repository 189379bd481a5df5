package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"triage/auth"
	"triage/i18n"
	"triage/metrics"
	"triage/models"
	"triage/session"
)

const adminRecent = 20

type userRow struct {
	models.PublicAccount
	Locked bool
}

func (s *Server) AdminHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	s.renderAdmin(w, r, id, http.StatusOK, "", "")
}

func (s *Server) renderAdmin(w http.ResponseWriter, r *http.Request, id *session.Identity, status int, message, errMsg string) {
	ctx := r.Context()
	now := s.now()

	accounts := s.auth.ListAccounts()
	rows := make([]userRow, 0, len(accounts))
	for _, a := range accounts {
		rows = append(rows, userRow{PublicAccount: a, Locked: s.auth.IsLocked(a, now)})
	}

	count, err := s.history.CountDiagnoses(ctx)
	if err != nil {
		s.log.Warn("counting diagnoses", "error", err)
	}
	diagnoses, err := s.history.RecentDiagnosesAll(ctx, adminRecent)
	if err != nil {
		s.log.Warn("loading diagnoses", "error", err)
	}
	events, err := s.history.RecentLoginEvents(ctx, adminRecent)
	if err != nil {
		s.log.Warn("loading login events", "error", err)
	}

	s.renderTemplate(w, r, status, "admin.html", map[string]any{
		"User":           id,
		"IsAdmin":        true,
		"Users":          rows,
		"Stats":          s.auth.Stats(now),
		"DiagnosisCount": count,
		"ActiveSessions": s.sessions.Manager().Active(now),
		"Diagnoses":      diagnoses,
		"Events":         events,
		"Message":        message,
		"Error":          errMsg,
	})
}

func (s *Server) adminError(lang string, err error) (int, string) {
	var verr *auth.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Message
	case errors.Is(err, auth.ErrUnknownUser):
		return http.StatusNotFound, i18n.T(lang, "UnknownUser")
	case errors.Is(err, auth.ErrCannotDeleteSelf):
		return http.StatusBadRequest, i18n.T(lang, "CannotDeleteSelf")
	default:
		return http.StatusInternalServerError, i18n.T(lang, "StorageError")
	}
}

func (s *Server) ResetPasswordHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	lang := i18n.DetectLanguage(r)
	username := strings.TrimSpace(r.FormValue("username"))

	if err := s.auth.ResetPassword(username, r.FormValue("new_password")); err != nil {
		status, msg := s.adminError(lang, err)
		s.renderAdmin(w, r, id, status, "", msg)
		return
	}
	if username != id.Username {
		s.revokeSessions(username)
	}
	s.renderAdmin(w, r, id, http.StatusOK, i18n.Tf(lang, "PasswordReset", username), "")
}

func (s *Server) UnlockHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	lang := i18n.DetectLanguage(r)
	username := strings.TrimSpace(r.FormValue("username"))

	if err := s.auth.Unlock(username); err != nil {
		status, msg := s.adminError(lang, err)
		s.renderAdmin(w, r, id, status, "", msg)
		return
	}
	s.renderAdmin(w, r, id, http.StatusOK, i18n.Tf(lang, "AccountUnlocked", username), "")
}

func (s *Server) DeleteUserHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	lang := i18n.DetectLanguage(r)
	username := strings.TrimSpace(r.FormValue("username"))

	if err := s.auth.Delete(username, id.Username); err != nil {
		status, msg := s.adminError(lang, err)
		s.renderAdmin(w, r, id, status, "", msg)
		return
	}
	s.revokeSessions(username)
	if err := s.history.DeleteUserData(r.Context(), username); err != nil {
		s.log.Error("deleting history of removed account", "username", username, "error", err)
	}
	s.renderAdmin(w, r, id, http.StatusOK, i18n.Tf(lang, "AccountDeleted", username), "")
}

// revokeSessions signs username out everywhere.
func (s *Server) revokeSessions(username string) {
	if n := s.sessions.Manager().Revoke(username); n > 0 {
		s.log.Info("revoked sessions", "username", username, "sessions", n)
	}
	metrics.ActiveSessions.Set(float64(s.sessions.Manager().Active(s.now())))
}

type userExport struct {
	ExportedAt time.Time              `json:"exported_at"`
	ExportedBy string                 `json:"exported_by"`
	Users      []models.PublicAccount `json:"users"`
}

// ExportUsersHandler downloads every account as JSON. Password hashes are
// never part of PublicAccount.
func (s *Server) ExportUsersHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	now := s.now()
	filename := fmt.Sprintf("user_data_%s.json", now.Format("20060102_150405"))

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(userExport{ExportedAt: now.UTC(), ExportedBy: id.Username, Users: s.auth.ListAccounts()}); err != nil {
		s.log.Error("writing user export", "error", err)
		return
	}
	s.log.Info("user data exported", "by", id.Username)
}
