package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config stores runtime configuration loaded from environment variables and
// an optional config file named by CONFIG_FILE.
type Config struct {
	AppEnv   string
	HTTPAddr string

	DBDriver          string
	DBDSN             string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifeMins int

	JWTSecret          string
	AccessTokenMinutes int
	SessionTTLHours    int

	CSRFEnforced        bool
	AuthRateLimitPerMin int
	CORSAllowedOrigins  []string
	DefaultValidDays    int

	BlobDriver     string
	BlobBasePath   string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	LogLevel string
	LogFile  string

	BootstrapDoctorUsername string
	BootstrapDoctorPassword string
}

var defaults = map[string]interface{}{
	"APP_ENV":                      "development",
	"HTTP_ADDR":                    ":8080",
	"DB_DRIVER":                    "sqlite",
	"DB_DSN":                       "",
	"DB_MAX_OPEN_CONNS":            25,
	"DB_MAX_IDLE_CONNS":            25,
	"DB_CONN_MAX_LIFETIME_MINUTES": 30,
	"JWT_SECRET":                   "",
	"ACCESS_TOKEN_MINUTES":         15,
	"SESSION_TTL_HOURS":            24,
	"CSRF_ENFORCED":                false,
	"AUTH_RATE_LIMIT_PER_MIN":      60,
	"CORS_ALLOWED_ORIGINS":         "",
	"DEFAULT_VALID_DAYS":           7,
	"BLOB_DRIVER":                  "fs",
	"BLOB_BASE_PATH":               "./data/blobs",
	"MINIO_ENDPOINT":               "",
	"MINIO_ACCESS_KEY":             "",
	"MINIO_SECRET_KEY":             "",
	"MINIO_BUCKET":                 "cogtest",
	"MINIO_USE_SSL":                false,
	"LOG_LEVEL":                    "info",
	"LOG_FILE":                     "",
	"BOOTSTRAP_DOCTOR_USERNAME":    "",
	"BOOTSTRAP_DOCTOR_PASSWORD":    "",
}

func LoadConfig() (Config, error) {
	return loadConfig(viper.New())
}

func loadConfig(v *viper.Viper) (Config, error) {
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()

	if path := strings.TrimSpace(v.GetString("CONFIG_FILE")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := Config{
		AppEnv:                  v.GetString("APP_ENV"),
		HTTPAddr:                v.GetString("HTTP_ADDR"),
		DBDriver:                v.GetString("DB_DRIVER"),
		DBDSN:                   v.GetString("DB_DSN"),
		DBMaxOpenConns:          positive(v.GetInt("DB_MAX_OPEN_CONNS"), 25),
		DBMaxIdleConns:          positive(v.GetInt("DB_MAX_IDLE_CONNS"), 25),
		DBConnMaxLifeMins:       positive(v.GetInt("DB_CONN_MAX_LIFETIME_MINUTES"), 30),
		JWTSecret:               v.GetString("JWT_SECRET"),
		AccessTokenMinutes:      positive(v.GetInt("ACCESS_TOKEN_MINUTES"), 15),
		SessionTTLHours:         positive(v.GetInt("SESSION_TTL_HOURS"), 24),
		CSRFEnforced:            v.GetBool("CSRF_ENFORCED"),
		AuthRateLimitPerMin:     positive(v.GetInt("AUTH_RATE_LIMIT_PER_MIN"), 60),
		CORSAllowedOrigins:      splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		DefaultValidDays:        v.GetInt("DEFAULT_VALID_DAYS"),
		BlobDriver:              strings.ToLower(v.GetString("BLOB_DRIVER")),
		BlobBasePath:            v.GetString("BLOB_BASE_PATH"),
		MinioEndpoint:           v.GetString("MINIO_ENDPOINT"),
		MinioAccessKey:          v.GetString("MINIO_ACCESS_KEY"),
		MinioSecretKey:          v.GetString("MINIO_SECRET_KEY"),
		MinioBucket:             v.GetString("MINIO_BUCKET"),
		MinioUseSSL:             v.GetBool("MINIO_USE_SSL"),
		LogLevel:                v.GetString("LOG_LEVEL"),
		LogFile:                 v.GetString("LOG_FILE"),
		BootstrapDoctorUsername: v.GetString("BOOTSTRAP_DOCTOR_USERNAME"),
		BootstrapDoctorPassword: v.GetString("BOOTSTRAP_DOCTOR_PASSWORD"),
	}

	switch cfg.BlobDriver {
	case "fs", "minio":
	default:
		return Config{}, fmt.Errorf("unsupported BLOB_DRIVER %q", cfg.BlobDriver)
	}
	if cfg.IsProduction() && cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required when APP_ENV=production")
	}
	return cfg, nil
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func (c Config) AccessTTL() time.Duration {
	return time.Duration(c.AccessTokenMinutes) * time.Minute
}

func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

func (c Config) DBConnMaxLifetime() time.Duration {
	return time.Duration(c.DBConnMaxLifeMins) * time.Minute
}

func positive(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
