package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":8080")
	t.Setenv("JWT_ISSUER", "lv-margin")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("JWT_TTL", "1h")
	t.Setenv("INTERNAL_API_TOKEN", "internal")
	t.Setenv("OPERATOR_SECRET_HASH", "$2a$10$abc")
	t.Setenv("WS_ORIGIN", "http://localhost")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	for _, k := range []string{"APP_MODE", "DB_DSN", "AUDIT_DRIVER", "AUDIT_DSN", "MONITOR_INTERVAL", "MONITOR_CONCURRENCY", "ORDER_TIMEOUT", "NOTIFY_QUEUE_SIZE", "LOG_LEVEL"} {
		t.Setenv(k, "")
	}

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", c.AppMode)
	assert.Equal(t, "sqlite3", c.AuditDriver)
	assert.Equal(t, "file:audit.db", c.AuditDSN)
	assert.Equal(t, 5*time.Second, c.MonitorInterval)
	assert.Equal(t, 8, c.MonitorConcurrency)
	assert.Equal(t, 5*time.Second, c.OrderTimeout)
	assert.Equal(t, 1024, c.NotifyQueueSize)
	assert.Equal(t, time.Hour, c.JWTTTL)
	assert.Equal(t, "info", c.LogLevel)
}

func TestLoadReportsAllMissing(t *testing.T) {
	for _, k := range []string{"HTTP_ADDR", "JWT_ISSUER", "JWT_SECRET", "JWT_TTL", "INTERNAL_API_TOKEN", "OPERATOR_SECRET_HASH", "WS_ORIGIN", "APP_MODE"} {
		t.Setenv(k, "")
	}
	_, err := Load()
	require.Error(t, err)
	assert.Equal(t, "missing required env: HTTP_ADDR,JWT_ISSUER,JWT_SECRET,JWT_TTL,INTERNAL_API_TOKEN,OPERATOR_SECRET_HASH,WS_ORIGIN", err.Error())
}

func TestLoadProductionRequiresDatabase(t *testing.T) {
	setRequired(t)
	t.Setenv("APP_MODE", "production")
	t.Setenv("DB_DSN", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_DSN")
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"APP_MODE":            "staging",
		"AUDIT_DRIVER":        "mysql",
		"MONITOR_INTERVAL":    "soon",
		"MONITOR_CONCURRENCY": "-1",
		"JWT_TTL":             "forever",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			setRequired(t)
			t.Setenv(key, val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadRiskFileMissingUsesDefaults(t *testing.T) {
	rf, err := LoadRiskFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultRiskFile().Profiles, rf.Profiles)
	assert.Equal(t, 1.5, rf.Liquidation.SlippageMultiplier)
}

func TestLoadRiskFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.yaml")
	body := `
execution:
  slippage: 0.001
  max_quote_age: 10s
liquidation:
  slippage_multiplier: 2
profiles:
  conservative:
    warning_level: 200
    margin_call_level: 150
    urgent_level: 120
    stop_out_level: 100
instruments:
  - symbol: solusd
    min_qty: 0.1
    max_qty: 500
    max_leverage: 20
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	rf, err := LoadRiskFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0.001, rf.Execution.Slippage)
	assert.Equal(t, 0.001, rf.Liquidation.BaseSlippage)
	assert.Equal(t, 10*time.Second, rf.Execution.MaxQuoteAge)
	assert.Equal(t, 2.0, rf.Liquidation.SlippageMultiplier)
	assert.Contains(t, rf.Profiles, DefaultProfile)
	assert.Equal(t, 100.0, rf.Profiles["conservative"].StopOutLevel)

	inst := rf.CatalogInstruments()
	require.Len(t, inst, 1)
	assert.Equal(t, "1", inst[0].ContractMultiplier.String())
	assert.Equal(t, "active", inst[0].Status)
}

func TestLoadRiskFileRejectsMisorderedProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.yaml")
	body := `
profiles:
  broken:
    warning_level: 100
    margin_call_level: 150
    urgent_level: 75
    stop_out_level: 50
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	_, err := LoadRiskFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestProfileValidate(t *testing.T) {
	assert.NoError(t, ProfileConfig{WarningLevel: 150, MarginCallLevel: 100, UrgentLevel: 100, StopOutLevel: 50}.Validate())
	assert.Error(t, ProfileConfig{WarningLevel: 150, MarginCallLevel: 100, UrgentLevel: 50, StopOutLevel: 50}.Validate())
	assert.Error(t, ProfileConfig{WarningLevel: 150, MarginCallLevel: 100, UrgentLevel: 75, StopOutLevel: 0}.Validate())
}

func TestLoadDemoSettingsOnlyInDevelopment(t *testing.T) {
	setRequired(t)
	t.Setenv("DEMO_ACCOUNT_ID", "acc-demo")
	t.Setenv("DEMO_USER_ID", "user-demo")
	t.Setenv("DEMO_FEED_INTERVAL", "500ms")

	t.Setenv("APP_MODE", "development")
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "acc-demo", c.DemoAccountID)
	assert.Equal(t, 500*time.Millisecond, c.DemoFeedInterval)

	t.Setenv("APP_MODE", "production")
	t.Setenv("DB_DSN", "postgres://localhost/margin")
	c, err = Load()
	require.NoError(t, err)
	assert.Empty(t, c.DemoAccountID)
	assert.Zero(t, c.DemoFeedInterval)
}

func TestDemoPrices(t *testing.T) {
	prices := DefaultRiskFile().DemoPrices()
	assert.Equal(t, 60000.0, prices["BTCUSD"])
	assert.Len(t, prices, 3)
}
