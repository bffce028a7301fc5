package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"

	"github.com/srcp/kernel/internal/testutil"
)

func TestLoadReadsDefaultConfig(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	if err := os.Mkdir(sb.Path("config"), 0700); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	data := []byte("kernel:\n  version: \"9.9.9\"\n  identity_username: tester\n  signing_enabled: true\n")
	if err := sb.WriteFile("config/default.yaml", data, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Kernel.Version != "9.9.9" {
		t.Fatalf("unexpected kernel version: %s", cfg.Kernel.Version)
	}
	if cfg.Kernel.IdentityUsername != "tester" {
		t.Fatalf("unexpected identity username: %s", cfg.Kernel.IdentityUsername)
	}
}

func TestLoadMergesEnvironmentOverride(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	if err := os.Mkdir(sb.Path("config"), 0700); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	base := []byte("kernel:\n  version: \"1.0.0\"\n  signing_enabled: false\n")
	if err := sb.WriteFile("config/default.yaml", base, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	override := []byte("kernel:\n  signing_enabled: true\n")
	if err := sb.WriteFile("config/staging.yaml", override, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}
	cfg, err := Load("staging")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Kernel.SigningEnabled {
		t.Fatal("expected staging override to enable signing")
	}
}

func TestDefaultsBootWithoutAConfigFile(t *testing.T) {
	d := Defaults()
	if d.Kernel.Version == "" {
		t.Fatal("expected a non-empty default kernel version")
	}
	if d.Kernel.IdentityUsername == "" {
		t.Fatal("expected a non-empty default identity username")
	}
}
