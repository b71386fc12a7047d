package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr           string
	DBDSN              string
	JWTIssuer          string
	JWTSecret          string
	JWTTTL             time.Duration
	InternalToken      string
	OperatorSecretHash string
	WebSocketOrigin    string
	AppMode            string
	AuditDriver        string
	AuditDSN           string
	RiskConfigFile     string
	MonitorInterval    time.Duration
	MonitorConcurrency int
	OrderTimeout       time.Duration
	NotifyQueueSize    int
	LogLevel           string
	// Demo account seeded into the in-memory store in development.
	DemoAccountID string
	DemoUserID    string
	// DemoFeedInterval enables the synthetic quote feed when positive.
	DemoFeedInterval time.Duration
}

// LoadDotEnv reads an optional .env file. Variables already set in the process win.
func LoadDotEnv(paths ...string) error {
	err := godotenv.Load(paths...)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func Load() (Config, error) {
	var c Config
	var missing []string
	c.HTTPAddr = os.Getenv("HTTP_ADDR")
	if c.HTTPAddr == "" {
		missing = append(missing, "HTTP_ADDR")
	}
	c.JWTIssuer = os.Getenv("JWT_ISSUER")
	if c.JWTIssuer == "" {
		missing = append(missing, "JWT_ISSUER")
	}
	c.JWTSecret = os.Getenv("JWT_SECRET")
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	jwtTTL := os.Getenv("JWT_TTL")
	if jwtTTL == "" {
		missing = append(missing, "JWT_TTL")
	} else {
		d, err := time.ParseDuration(jwtTTL)
		if err != nil {
			return c, fmt.Errorf("invalid JWT_TTL: %w", err)
		}
		c.JWTTTL = d
	}
	c.InternalToken = os.Getenv("INTERNAL_API_TOKEN")
	if c.InternalToken == "" {
		missing = append(missing, "INTERNAL_API_TOKEN")
	}
	c.OperatorSecretHash = os.Getenv("OPERATOR_SECRET_HASH")
	if c.OperatorSecretHash == "" {
		missing = append(missing, "OPERATOR_SECRET_HASH")
	}
	c.WebSocketOrigin = os.Getenv("WS_ORIGIN")
	if c.WebSocketOrigin == "" {
		missing = append(missing, "WS_ORIGIN")
	}
	c.AppMode = strings.ToLower(strings.TrimSpace(os.Getenv("APP_MODE")))
	if c.AppMode == "" {
		c.AppMode = "development"
	}
	if c.AppMode != "development" && c.AppMode != "production" {
		return c, errors.New("invalid APP_MODE: use development or production")
	}
	c.DBDSN = os.Getenv("DB_DSN")
	if c.DBDSN == "" && c.AppMode == "production" {
		missing = append(missing, "DB_DSN")
	}
	c.AuditDriver = strings.ToLower(strings.TrimSpace(os.Getenv("AUDIT_DRIVER")))
	if c.AuditDriver == "" {
		c.AuditDriver = "sqlite3"
	}
	if c.AuditDriver != "sqlite3" && c.AuditDriver != "postgres" {
		return c, errors.New("invalid AUDIT_DRIVER: use sqlite3 or postgres")
	}
	c.AuditDSN = os.Getenv("AUDIT_DSN")
	if c.AuditDSN == "" {
		c.AuditDSN = "file:audit.db"
	}
	c.RiskConfigFile = os.Getenv("RISK_CONFIG_FILE")
	var err error
	if c.MonitorInterval, err = durationEnv("MONITOR_INTERVAL", 5*time.Second); err != nil {
		return c, err
	}
	if c.OrderTimeout, err = durationEnv("ORDER_TIMEOUT", 5*time.Second); err != nil {
		return c, err
	}
	if c.MonitorConcurrency, err = intEnv("MONITOR_CONCURRENCY", 8); err != nil {
		return c, err
	}
	if c.NotifyQueueSize, err = intEnv("NOTIFY_QUEUE_SIZE", 1024); err != nil {
		return c, err
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.AppMode == "development" {
		c.DemoAccountID = strings.TrimSpace(os.Getenv("DEMO_ACCOUNT_ID"))
		c.DemoUserID = strings.TrimSpace(os.Getenv("DEMO_USER_ID"))
		if c.DemoFeedInterval, err = durationEnv("DEMO_FEED_INTERVAL", 0); err != nil {
			return c, err
		}
	}
	if len(missing) > 0 {
		return c, errors.New("missing required env: " + strings.Join(missing, ","))
	}
	return c, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return n, nil
}
