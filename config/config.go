package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName  string `toml:"app_name"`
	ListenIP string `toml:"listen_ip"`
	UIPort   int    `toml:"ui_port"`
	APIPort  int    `toml:"api_port"`

	SessionKey string `toml:"session_key"`
	APISecret  string `toml:"api_secret"`

	SessionTimeout   int `toml:"session_timeout"`
	MaxLoginAttempts int `toml:"max_login_attempts"`
	LockoutDuration  int `toml:"lockout_duration"`
	BcryptCost       int `toml:"bcrypt_cost"`

	UsersFile string `toml:"users_file"`
	HistoryDB string `toml:"history_db"`

	EnableRegistration bool     `toml:"enable_registration"`
	DefaultRole        string   `toml:"default_role"`
	RegistrationRoles  []string `toml:"registration_roles"`
	CaptchaEnabled     bool     `toml:"captcha_enabled"`
	CookieSecure       bool     `toml:"cookie_secure"`

	BackendURL     string `toml:"backend_url"`
	BackendTimeout int    `toml:"backend_timeout"`

	LLMProvider string `toml:"llm_provider"`
	LLMAPIKey   string `toml:"llm_api_key"`
	LLMBaseURL  string `toml:"llm_base_url"`
	LLMModel    string `toml:"llm_model"`
	LLMTimeout  int    `toml:"llm_timeout"`

	DiagnoseRatePerMinute int      `toml:"diagnose_rate_per_minute"`
	CORSAllowedOrigins    []string `toml:"cors_allowed_origins"`
}

var AppConfig Config

func Defaults() Config {
	return Config{
		AppName:               "Medical AI Triage",
		ListenIP:              "0.0.0.0",
		UIPort:                8501,
		APIPort:               8000,
		SessionTimeout:        3600,
		MaxLoginAttempts:      3,
		LockoutDuration:       300,
		BcryptCost:            10,
		UsersFile:             "users.json",
		HistoryDB:             "triage.db",
		EnableRegistration:    true,
		DefaultRole:           "user",
		RegistrationRoles:     []string{"user", "doctor"},
		CaptchaEnabled:        true,
		BackendURL:            "http://localhost:8000",
		BackendTimeout:        30,
		LLMProvider:           "openai",
		LLMBaseURL:            "https://api.openai.com/v1",
		LLMModel:              "gpt-4o-mini",
		LLMTimeout:            25,
		DiagnoseRatePerMinute: 20,
		CORSAllowedOrigins:    []string{"http://localhost:8501"},
	}
}

// LoadConfig fills AppConfig from defaults, then the optional TOML file at
// path, then a .env file, then the process environment.
func LoadConfig(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	AppConfig = *cfg
	return nil
}

func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	// Values already in the environment win over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not parse .env file", "error", err)
	}

	applyEnv(&cfg)

	if cfg.SessionKey == "" || cfg.SessionKey == "CHANGE_ME_IN_PRODUCTION" {
		slog.Warn("no SECRET_KEY configured, generating a random key; sessions will be invalidated on restart")
		key, err := randomKey()
		if err != nil {
			return nil, err
		}
		cfg.SessionKey = key
	}
	if cfg.APISecret == "" {
		slog.Warn("no API_SECRET configured, deriving it from SECRET_KEY; UI and API must share the same value")
		cfg.APISecret = cfg.SessionKey
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.AppName = getEnv("APP_NAME", cfg.AppName)
	cfg.ListenIP = getEnv("LISTEN_IP", cfg.ListenIP)
	cfg.UIPort = getEnvInt("UI_PORT", cfg.UIPort)
	cfg.APIPort = getEnvInt("PORT", cfg.APIPort)

	cfg.SessionKey = getEnv("SECRET_KEY", cfg.SessionKey)
	cfg.APISecret = getEnv("API_SECRET", cfg.APISecret)

	cfg.SessionTimeout = getEnvInt("SESSION_TIMEOUT", cfg.SessionTimeout)
	cfg.MaxLoginAttempts = getEnvInt("MAX_LOGIN_ATTEMPTS", cfg.MaxLoginAttempts)
	cfg.LockoutDuration = getEnvInt("LOCKOUT_DURATION", cfg.LockoutDuration)
	cfg.BcryptCost = getEnvInt("BCRYPT_COST", cfg.BcryptCost)

	cfg.UsersFile = getEnv("USERS_FILE", cfg.UsersFile)
	cfg.HistoryDB = getEnv("HISTORY_DB", cfg.HistoryDB)

	cfg.EnableRegistration = getEnvBool("ENABLE_REGISTRATION", cfg.EnableRegistration)
	cfg.DefaultRole = getEnv("DEFAULT_ROLE", cfg.DefaultRole)
	cfg.RegistrationRoles = getEnvStringList("REGISTRATION_ROLES", cfg.RegistrationRoles)
	cfg.CaptchaEnabled = getEnvBool("CAPTCHA_ENABLED", cfg.CaptchaEnabled)
	cfg.CookieSecure = getEnvBool("COOKIE_SECURE", cfg.CookieSecure)

	cfg.BackendURL = getEnv("BACKEND_URL", cfg.BackendURL)
	cfg.BackendTimeout = getEnvInt("BACKEND_TIMEOUT", cfg.BackendTimeout)

	cfg.LLMProvider = getEnv("LLM_PROVIDER", cfg.LLMProvider)
	cfg.LLMAPIKey = getEnv("LLM_API_KEY", cfg.LLMAPIKey)
	cfg.LLMBaseURL = getEnv("LLM_BASE_URL", cfg.LLMBaseURL)
	cfg.LLMModel = getEnv("LLM_MODEL", cfg.LLMModel)
	cfg.LLMTimeout = getEnvInt("LLM_TIMEOUT", cfg.LLMTimeout)

	cfg.DiagnoseRatePerMinute = getEnvInt("DIAGNOSE_RATE_PER_MINUTE", cfg.DiagnoseRatePerMinute)
	cfg.CORSAllowedOrigins = getEnvStringList("CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
}

func (c *Config) Validate() error {
	var errs []error
	if c.MaxLoginAttempts < 1 {
		errs = append(errs, errors.New("MAX_LOGIN_ATTEMPTS must be at least 1"))
	}
	if c.SessionTimeout <= 0 {
		errs = append(errs, errors.New("SESSION_TIMEOUT must be positive"))
	}
	if c.LockoutDuration <= 0 {
		errs = append(errs, errors.New("LOCKOUT_DURATION must be positive"))
	}
	if c.BackendTimeout <= 0 || c.LLMTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	for name, port := range map[string]int{"UI_PORT": c.UIPort, "PORT": c.APIPort} {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s out of range: %d", name, port))
		}
	}
	switch c.DefaultRole {
	case "user", "doctor", "admin":
	default:
		errs = append(errs, fmt.Errorf("DEFAULT_ROLE must be user, doctor or admin, got %q", c.DefaultRole))
	}
	switch c.LLMProvider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("LLM_PROVIDER must be openai or anthropic, got %q", c.LLMProvider))
	}
	return errors.Join(errs...)
}

func (c *Config) SessionTimeoutDuration() time.Duration {
	return time.Duration(c.SessionTimeout) * time.Second
}

func (c *Config) LockoutDurationValue() time.Duration {
	return time.Duration(c.LockoutDuration) * time.Second
}

func (c *Config) BackendTimeoutDuration() time.Duration {
	return time.Duration(c.BackendTimeout) * time.Second
}

func (c *Config) LLMTimeoutDuration() time.Duration {
	return time.Duration(c.LLMTimeout) * time.Second
}

func (c *Config) UIAddr() string  { return fmt.Sprintf("%s:%d", c.ListenIP, c.UIPort) }
func (c *Config) APIAddr() string { return fmt.Sprintf("%s:%d", c.ListenIP, c.APIPort) }

// RegistrationRoleAllowed reports whether self-registration may pick role.
func (c *Config) RegistrationRoleAllowed(role string) bool {
	for _, r := range c.RegistrationRoles {
		if r == role {
			return true
		}
	}
	return false
}

func randomKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
		slog.Warn("ignoring non-integer environment value", "key", key, "value", value)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

func getEnvStringList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
