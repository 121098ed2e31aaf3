package configloader_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/YaganovValera/candle-feeder/common/configloader"
)

type sample struct {
	Name    string        `mapstructure:"name"`
	Timeout time.Duration `mapstructure:"timeout"`
	Enabled bool          `mapstructure:"enabled"`
	Nested  struct {
		Hosts []string `mapstructure:"hosts"`
	} `mapstructure:"nested"`
}

type validated struct {
	Name string `mapstructure:"name"`
}

func (v *validated) Validate() error {
	if v.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

func TestLoad_FileEnvAndDefaults(t *testing.T) {
	configloader.RegisterDefaults("timeout", "5s")
	configloader.RegisterDefaults("enabled", false)

	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	content := "name: from-file\nnested:\n  hosts: [a, b]\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CLTEST_ENABLED", "true")

	var cfg sample
	if err := configloader.Load(path, "CLTEST", &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "from-file" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v", cfg.Timeout)
	}
	if !cfg.Enabled {
		t.Error("Enabled should be overridden by env")
	}
	if len(cfg.Nested.Hosts) != 2 {
		t.Errorf("Hosts = %v", cfg.Nested.Hosts)
	}
}

func TestLoad_RunsValidate(t *testing.T) {
	var cfg validated
	if err := configloader.Load("", "CLTEST_EMPTY", &cfg); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	var cfg sample
	if err := configloader.Load(filepath.Join(t.TempDir(), "nope.yaml"), "X", &cfg); err == nil {
		t.Fatal("expected read error")
	}
}

func TestRegisterDefaultsMap_Nested(t *testing.T) {
	configloader.RegisterDefaultsMap(map[string]interface{}{
		"nested": map[string]interface{}{"hosts": []string{"x", "y", "z"}},
	})
	var cfg sample
	if err := configloader.Load("", "CLTEST_NESTED", &cfg); err != nil {
		t.Fatal(err)
	}
	if len(cfg.Nested.Hosts) != 3 {
		t.Errorf("Hosts = %v", cfg.Nested.Hosts)
	}
}

func TestLoad_ConfigFileFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte("name: via-env\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CLTEST_FILE_CONFIG_FILE", path)
	var cfg sample
	if err := configloader.Load("", "CLTEST_FILE", &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "via-env" {
		t.Errorf("Name = %q", cfg.Name)
	}
}

func TestPrintConfig(t *testing.T) {
	var buf bytes.Buffer
	configloader.PrintConfig(&buf, struct {
		Timeout time.Duration
	}{Timeout: 90 * time.Second})
	if !strings.Contains(buf.String(), "1m30s") {
		t.Errorf("output = %q", buf.String())
	}
}
