package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"html/template"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dchest/captcha"
	"github.com/gorilla/csrf"

	"triage/api"
	"triage/auth"
	"triage/backend"
	"triage/config"
	"triage/db"
	"triage/i18n"
	"triage/metrics"
	"triage/models"
	"triage/render"
	"triage/session"
	"triage/web"
)

const (
	maxSymptomChars = 8000
	dashboardRecent = 3
	historyLimit    = 50
)

// Backend is the diagnosis API as seen by the UI.
type Backend interface {
	Health(ctx context.Context) (api.HealthResponse, error)
	Diagnose(ctx context.Context, acct models.PublicAccount, input string) (models.DiagnosisResult, error)
}

type Server struct {
	cfg      *config.Config
	auth     *auth.Authenticator
	sessions *session.Binder
	backend  Backend
	history  *db.DB
	log      *slog.Logger
	now      func() time.Time

	loginLimiter    *rateLimiter
	registerLimiter *rateLimiter
}

func New(cfg *config.Config, a *auth.Authenticator, sessions *session.Binder, b Backend, history *db.DB, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:             cfg,
		auth:            a,
		sessions:        sessions,
		backend:         b,
		history:         history,
		log:             logger.With("component", "ui"),
		now:             time.Now,
		loginLimiter:    newRateLimiter(),
		registerLimiter: newRateLimiter(),
	}
}

// Routes returns the UI handler with its middleware chain.
func (s *Server) Routes() http.Handler {
	csrfKey := sha256.Sum256([]byte(s.cfg.SessionKey + "csrf"))
	csrfMiddleware := csrf.Protect(
		csrfKey[:],
		csrf.Secure(s.cfg.CookieSecure),
		csrf.Path("/"),
	)

	var h http.Handler = csrfMiddleware(metrics.Middleware("ui")(s.mux()))
	if !s.cfg.CookieSecure {
		h = plaintextHTTP(h)
	}
	return s.requestLogger(SecurityHeadersMiddleware(h))
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /static/", http.FileServerFS(web.Static))
	mux.Handle("GET /captcha/", captcha.Server(captcha.StdWidth, captcha.StdHeight))
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("/{$}", s.IndexHandler)
	mux.HandleFunc("/login", s.LoginHandler)
	mux.HandleFunc("/register", s.RegisterHandler)
	mux.HandleFunc("POST /logout", s.LogoutHandler)
	mux.HandleFunc("GET /dashboard", s.DashboardHandler)
	mux.HandleFunc("POST /diagnose", s.DiagnoseHandler)
	mux.HandleFunc("GET /history", s.HistoryHandler)
	mux.HandleFunc("GET /admin", s.AdminHandler)
	mux.HandleFunc("POST /admin/users/reset-password", s.ResetPasswordHandler)
	mux.HandleFunc("POST /admin/users/unlock", s.UnlockHandler)
	mux.HandleFunc("POST /admin/users/delete", s.DeleteUserHandler)
	mux.HandleFunc("GET /admin/users/export", s.ExportUsersHandler)
	return mux
}

func (s *Server) IndexHandler(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Load(w, r)
	if s.sessions.Manager().Check(sess, s.now()) == session.StateAuthenticated {
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
		return
	}
	s.renderTemplate(w, r, http.StatusOK, "index.html", map[string]any{
		"RegistrationEnabled": s.cfg.EnableRegistration,
	})
}

func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	lang := i18n.DetectLanguage(r)
	sess := s.sessions.Load(w, r)
	now := s.now()

	if r.Method != http.MethodPost {
		if s.sessions.Manager().Check(sess, now) == session.StateAuthenticated {
			http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
			return
		}
		notice := s.sessions.Manager().TakeFlash(sess)
		switch r.URL.Query().Get("reason") {
		case "expired":
			notice = i18n.T(lang, "SessionExpired")
		case "required":
			notice = i18n.T(lang, "LoginRequired")
		case "logged_out":
			notice = i18n.T(lang, "LoggedOut")
		}
		s.renderLogin(w, r, http.StatusOK, "", notice, "")
		return
	}

	username := strings.TrimSpace(r.FormValue("username"))
	password := r.FormValue("password")

	ip := getClientIP(r)
	if !s.loginLimiter.Allow(ip) {
		s.renderLogin(w, r, http.StatusTooManyRequests, username, "", i18n.T(lang, "TooManyAttempts"))
		return
	}
	if username == "" || password == "" {
		s.renderLogin(w, r, http.StatusBadRequest, username, "", i18n.T(lang, "FillAllFields"))
		return
	}

	out, err := s.auth.Authenticate(username, password, now)
	if err != nil {
		s.renderLogin(w, r, http.StatusInternalServerError, username, "", i18n.T(lang, "StorageError"))
		return
	}
	s.recordLogin(r.Context(), username, ip, out, now)

	if out.OK() {
		s.loginLimiter.Reset(ip)
		sess = s.sessions.Rotate(w, r, sess)
		s.sessions.Manager().Login(sess, *out.Account, now)
		metrics.ActiveSessions.Set(float64(s.sessions.Manager().Active(now)))
		s.redirect(w, r, "/dashboard")
		return
	}

	s.loginLimiter.RecordFailure(ip)
	s.renderLogin(w, r, http.StatusUnauthorized, username, "", loginMessage(lang, out, s.auth.Policy().LockMinutes()))
}

func loginMessage(lang string, out auth.Outcome, lockMinutes int) string {
	switch {
	case out.Status == auth.StatusAccountLocked:
		return i18n.T(lang, "AccountLocked")
	case out.JustLocked:
		return i18n.Tf(lang, "AccountLockedFor", lockMinutes)
	case out.Remaining > 0:
		return i18n.Tf(lang, "InvalidCredentialsRemaining", out.Remaining)
	default:
		return i18n.T(lang, "InvalidCredentials")
	}
}

func (s *Server) recordLogin(ctx context.Context, username, ip string, out auth.Outcome, now time.Time) {
	outcome := out.Status.String()
	if out.JustLocked {
		outcome = "locked_out"
		metrics.AccountLockouts.Inc()
	}
	metrics.AuthAttempts.WithLabelValues(outcome).Inc()

	err := s.history.RecordLoginEvent(ctx, models.LoginEvent{
		Username:   username,
		Outcome:    outcome,
		RemoteAddr: ip,
		CreatedAt:  now,
	})
	if err != nil {
		s.log.Warn("login event not recorded", "error", err)
	}
}

func (s *Server) renderLogin(w http.ResponseWriter, r *http.Request, status int, username, notice, errMsg string) {
	s.renderTemplate(w, r, status, "login.html", map[string]any{
		"Username":            username,
		"Notice":              notice,
		"Error":               errMsg,
		"RegistrationEnabled": s.cfg.EnableRegistration,
	})
}

func (s *Server) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.EnableRegistration {
		http.NotFound(w, r)
		return
	}
	lang := i18n.DetectLanguage(r)
	sess := s.sessions.Load(w, r)

	if r.Method != http.MethodPost {
		s.renderRegister(w, r, http.StatusOK, auth.RegisterInput{Role: models.Role(s.cfg.DefaultRole)}, "")
		return
	}

	in := auth.RegisterInput{
		Username:        strings.TrimSpace(r.FormValue("username")),
		Email:           strings.TrimSpace(r.FormValue("email")),
		Password:        r.FormValue("password"),
		ConfirmPassword: r.FormValue("confirm_password"),
		Role:            models.Role(r.FormValue("role")),
	}
	if in.Role == "" {
		in.Role = models.Role(s.cfg.DefaultRole)
	}

	ip := getClientIP(r)
	if !s.registerLimiter.Allow(ip) {
		s.renderRegister(w, r, http.StatusTooManyRequests, in, i18n.T(lang, "TooManyAttempts"))
		return
	}
	s.registerLimiter.RecordFailure(ip)

	if s.cfg.CaptchaEnabled && !captcha.VerifyString(r.FormValue("captcha_id"), r.FormValue("captcha")) {
		s.renderRegister(w, r, http.StatusBadRequest, in, i18n.T(lang, "InvalidCaptcha"))
		return
	}
	if !s.cfg.RegistrationRoleAllowed(string(in.Role)) {
		s.renderRegister(w, r, http.StatusBadRequest, in, i18n.T(lang, "InvalidRole"))
		return
	}
	if err := auth.ValidateRegistration(in); err != nil {
		var verr *auth.ValidationError
		msg := err.Error()
		if errors.As(err, &verr) {
			msg = verr.Message
		}
		s.renderRegister(w, r, http.StatusBadRequest, in, msg)
		return
	}

	if _, err := s.auth.Register(in, s.now()); err != nil {
		status, msg := http.StatusInternalServerError, i18n.T(lang, "StorageError")
		if errors.Is(err, auth.ErrUsernameTaken) {
			status, msg = http.StatusConflict, i18n.T(lang, "UsernameAlreadyExists")
		}
		s.renderRegister(w, r, status, in, msg)
		return
	}

	metrics.Registrations.Inc()
	s.sessions.Manager().SetFlash(sess, i18n.T(lang, "RegistrationSuccess"))
	s.redirect(w, r, "/login")
}

func (s *Server) renderRegister(w http.ResponseWriter, r *http.Request, status int, in auth.RegisterInput, errMsg string) {
	data := map[string]any{
		"Form":  in,
		"Roles": s.cfg.RegistrationRoles,
		"Error": errMsg,
	}
	if s.cfg.CaptchaEnabled {
		data["CaptchaID"] = captcha.New()
	}
	s.renderTemplate(w, r, status, "register.html", data)
}

func (s *Server) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Load(w, r)
	if sess.Identity != nil {
		s.log.Info("logout", "username", sess.Identity.Username)
	}
	s.sessions.Manager().Logout(sess)
	s.sessions.Clear(w, r, sess)
	metrics.ActiveSessions.Set(float64(s.sessions.Manager().Active(s.now())))
	s.redirect(w, r, "/login?reason=logged_out")
}

// requireUser runs the session guard. When it returns false the response
// has already been written.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (*session.Session, *session.Identity, bool) {
	sess := s.sessions.Load(w, r)
	d := s.sessions.Manager().Require(sess, s.now())
	if !d.Allowed {
		target := "/login?reason=required"
		if d.Reason == session.ReasonExpired {
			target = "/login?reason=expired"
		}
		s.redirect(w, r, target)
		return nil, nil, false
	}
	return sess, &d.Identity, true
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (*session.Identity, bool) {
	_, id, ok := s.requireUser(w, r)
	if !ok {
		return nil, false
	}
	if !id.IsAdmin() {
		lang := i18n.DetectLanguage(r)
		s.log.Warn("admin access denied", "username", id.Username)
		s.renderTemplate(w, r, http.StatusForbidden, "error.html", map[string]any{
			"User":  id,
			"Error": i18n.T(lang, "AccessDenied"),
		})
		return nil, false
	}
	return id, true
}

func accountOf(id *session.Identity) models.PublicAccount {
	return models.PublicAccount{Username: id.Username, Role: id.Role, Email: id.Email}
}

type backendStatus struct {
	Backend      string
	BackendClass string
	Chain        string
	ChainClass   string
	Detail       string
}

func (s *Server) backendStatus(ctx context.Context, lang string) backendStatus {
	h, err := s.backend.Health(ctx)
	var se *backend.ServerError
	switch {
	case err == nil:
		st := backendStatus{Backend: i18n.T(lang, "BackendConnected"), BackendClass: "status-ok"}
		if h.Checks["diagnosis_chain"] == "ok" {
			st.Chain, st.ChainClass = i18n.T(lang, "DiagnosisAPIWorking"), "status-ok"
		} else {
			st.Chain, st.ChainClass, st.Detail = i18n.T(lang, "DiagnosisAPIIssues"), "status-warn", h.Error
		}
		return st
	case errors.As(err, &se):
		return backendStatus{Backend: i18n.T(lang, "BackendError"), BackendClass: "status-error", Detail: se.Error()}
	default:
		return backendStatus{Backend: i18n.T(lang, "BackendOffline"), BackendClass: "status-error", Detail: i18n.T(lang, "BackendUnavailable")}
	}
}

func (s *Server) dashboardData(ctx context.Context, lang string, sess *session.Session, id *session.Identity) map[string]any {
	recent, err := s.history.RecentDiagnoses(ctx, id.Username, dashboardRecent)
	if err != nil {
		s.log.Warn("loading recent diagnoses", "username", id.Username, "error", err)
	}
	remaining := s.sessions.Manager().Remaining(sess, s.now())
	return map[string]any{
		"User":           id,
		"IsAdmin":        id.IsAdmin(),
		"Status":         s.backendStatus(ctx, lang),
		"Recent":         recent,
		"SessionMinutes": int(math.Ceil(remaining.Minutes())),
		"Examples": []string{
			i18n.T(lang, "Example1"),
			i18n.T(lang, "Example2"),
			i18n.T(lang, "Example3"),
			i18n.T(lang, "Example4"),
		},
	}
}

func (s *Server) DashboardHandler(w http.ResponseWriter, r *http.Request) {
	sess, id, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	lang := i18n.DetectLanguage(r)
	s.renderTemplate(w, r, http.StatusOK, "dashboard.html", s.dashboardData(r.Context(), lang, sess, id))
}

func (s *Server) DiagnoseHandler(w http.ResponseWriter, r *http.Request) {
	sess, id, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	lang := i18n.DetectLanguage(r)
	input := strings.TrimSpace(r.FormValue("symptoms"))

	result := map[string]any{"Input": input}
	switch {
	case input == "":
		result["DiagnoseError"] = i18n.T(lang, "EnterSymptoms")
	case utf8.RuneCountInString(input) > maxSymptomChars:
		result["DiagnoseError"] = i18n.T(lang, "SymptomsTooLong")
	default:
		res, err := s.backend.Diagnose(r.Context(), accountOf(id), input)
		if err != nil {
			s.log.Warn("diagnosis failed", "username", id.Username, "error", err)
			result["DiagnoseError"] = diagnoseMessage(lang, err)
			break
		}
		if _, err := s.history.AddDiagnosis(r.Context(), id.Username, res, s.now()); err != nil {
			s.log.Error("saving diagnosis", "username", id.Username, "error", err)
		}
		result["Result"] = res
		result["ResultHTML"] = render.Markdown(res.Diagnosis)
	}

	if r.Header.Get("HX-Request") == "true" {
		s.renderFragment(w, r, "result.html", "result", result)
		return
	}
	data := s.dashboardData(r.Context(), lang, sess, id)
	for k, v := range result {
		data[k] = v
	}
	s.renderTemplate(w, r, http.StatusOK, "dashboard.html", data)
}

func diagnoseMessage(lang string, err error) string {
	var se *backend.ServerError
	switch {
	case errors.Is(err, backend.ErrTimeout):
		return i18n.T(lang, "RequestTimedOut")
	case errors.Is(err, backend.ErrUnavailable):
		return i18n.T(lang, "BackendUnavailable")
	case errors.As(err, &se):
		return i18n.Tf(lang, "ServerError", se.Code)
	default:
		return i18n.Tf(lang, "UnexpectedError", err)
	}
}

func (s *Server) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	_, id, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	entries, err := s.history.RecentDiagnoses(r.Context(), id.Username, historyLimit)
	if err != nil {
		s.log.Error("loading history", "username", id.Username, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	s.renderTemplate(w, r, http.StatusOK, "history.html", map[string]any{
		"User":    id,
		"IsAdmin": id.IsAdmin(),
		"Entries": entries,
	})
}

// redirect answers HTMX requests with HX-Redirect and others with 303.
func (s *Server) redirect(w http.ResponseWriter, r *http.Request, target string) {
	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", target)
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (s *Server) funcMap(lang string) template.FuncMap {
	return template.FuncMap{
		"T": func(key string) string {
			return i18n.T(lang, key)
		},
	}
}

func (s *Server) renderTemplate(w http.ResponseWriter, r *http.Request, status int, name string, data map[string]any) {
	lang := i18n.DetectLanguage(r)

	tmpl, err := template.New(name).Funcs(s.funcMap(lang)).ParseFS(web.Templates,
		"templates/layout.html", "templates/result.html", "templates/"+name)
	if err != nil {
		s.log.Error("parsing template", "template", name, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if data == nil {
		data = map[string]any{}
	}
	if _, exists := data["AppName"]; !exists {
		data["AppName"] = s.cfg.AppName
	}
	data["Lang"] = lang
	data["csrfField"] = csrf.TemplateField(r)

	s.execute(w, tmpl, status, "layout", data)
}

func (s *Server) renderFragment(w http.ResponseWriter, r *http.Request, file, name string, data map[string]any) {
	lang := i18n.DetectLanguage(r)
	tmpl, err := template.New(file).Funcs(s.funcMap(lang)).ParseFS(web.Templates, "templates/"+file)
	if err != nil {
		s.log.Error("parsing template", "template", file, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	s.execute(w, tmpl, http.StatusOK, name, data)
}

func (s *Server) execute(w http.ResponseWriter, tmpl *template.Template, status int, name string, data any) {
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		s.log.Error("executing template", "template", name, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}
