package busapp

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfigExplicitMustExist(t *testing.T) {
	if _, err := FindConfig("/no/such/file.yaml"); err == nil {
		t.Fatal("expected error for missing explicit path")
	}
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "busd.yaml")
	body := "listen:\n  address: \"\"\n  port: 8090\nservice_files:\n  - services.xml\nlog_level: trace\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen.Port != 8090 {
		t.Fatalf("port = %d", cfg.Listen.Port)
	}
	if len(cfg.ServiceFiles) != 1 || cfg.ServiceFiles[0] != "services.xml" {
		t.Fatalf("service files = %+v", cfg.ServiceFiles)
	}
	if cfg.LogLevel != "trace" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
}
