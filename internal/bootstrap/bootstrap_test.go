package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tokligence/tokligence-credits/internal/config"
)

func TestInitCreatesConfigFiles(t *testing.T) {
	tmp := t.TempDir()
	opts := InitOptions{
		Root:               tmp,
		DatabasePath:       filepath.Join(tmp, "credits.db"),
		AnonymousAllowance: 5,
		AdminToken:         "fixed-admin",
	}
	if err := Init(opts); err != nil {
		t.Fatalf("Init: %v", err)
	}

	settingBytes, err := os.ReadFile(filepath.Join(tmp, "config", "setting.ini"))
	if err != nil {
		t.Fatalf("read setting: %v", err)
	}
	if !strings.Contains(string(settingBytes), "environment=dev") {
		t.Fatalf("missing environment: %s", settingBytes)
	}

	creditsBytes, err := os.ReadFile(filepath.Join(tmp, "config", "dev", "credits.ini"))
	if err != nil {
		t.Fatalf("read credits.ini: %v", err)
	}
	content := string(creditsBytes)
	for _, want := range []string{"admin_token=fixed-admin", "anonymous_allowance=5", "# database_dsn=", "policy_file=config/dev/policy.yaml"} {
		if !strings.Contains(content, want) {
			t.Fatalf("credits.ini missing %q:\n%s", want, content)
		}
	}
	if strings.Contains(content, "auth_secret=\n") {
		t.Fatalf("auth secret not generated:\n%s", content)
	}
}

func TestInitOutputLoads(t *testing.T) {
	t.Setenv("CREDITS_ENV", "")
	tmp := t.TempDir()
	if err := Init(InitOptions{Root: tmp, Environment: "staging", DatabasePath: filepath.Join(tmp, "credits.db")}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	cfg, err := config.LoadCreditsConfig(tmp)
	if err != nil {
		t.Fatalf("LoadCreditsConfig: %v", err)
	}
	if cfg.Environment != "staging" || cfg.DatabaseDriver != config.DriverSQLite {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.ActionPrices["image_generation"] != 2 {
		t.Fatalf("policy file not applied: %#v", cfg.ActionPrices)
	}
	if len(cfg.AuthSecret) != 64 {
		t.Fatalf("expected generated secret, got %q", cfg.AuthSecret)
	}
	if cfg.LogFileDaemon != "logs/creditsd.log" {
		t.Fatalf("unexpected daemon log %q", cfg.LogFileDaemon)
	}
}

func TestInitRespectsForce(t *testing.T) {
	tmp := t.TempDir()
	opts := InitOptions{Root: tmp, DatabasePath: filepath.Join(tmp, "credits.db")}
	if err := Init(opts); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := Init(opts); err == nil {
		t.Fatalf("expected error when files exist")
	}
	opts.Force = true
	if err := Init(opts); err != nil {
		t.Fatalf("Init with force: %v", err)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(InitOptions{DatabaseDriver: "mysql"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if err := Validate(InitOptions{DatabaseDriver: config.DriverPostgres}); err == nil {
		t.Fatalf("expected missing dsn error")
	}
	if err := Validate(InitOptions{AnonymousAllowance: 20, RegisteredAllowance: 10}); err == nil {
		t.Fatalf("expected allowance ordering error")
	}
	if err := Validate(InitOptions{DatabaseDriver: config.DriverPostgres, DatabaseDSN: "postgres://localhost/credits"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
