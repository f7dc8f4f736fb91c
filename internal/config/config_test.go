package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/edge-console/internal/onwire"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("EDGE_CONSOLE_CONFIG", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MQTT.Port != 1883 || cfg.Webserver.Port != 8000 || cfg.DeployTimeout != 15*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.OTA.DeployTimeout != 90*time.Second || cfg.OTA.UndeployTimeout != 30*time.Second || cfg.OTA.FirmwareTimeout != 4*time.Minute {
		t.Fatalf("unexpected ota defaults %+v", cfg.OTA)
	}
	if d, _ := cfg.Dialect(); d != onwire.EVP2 {
		t.Fatalf("default platform must be EVP2")
	}
	if cfg.BrokerURL() != "mqtt://localhost:1883" {
		t.Fatalf("unexpected broker url %s", cfg.BrokerURL())
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.yaml")
	body := `
mqtt:
  host: broker.lan
  port: 8883
iot_platform: evp1
deploy_timeout: 45s
ota:
  deploy_timeout: 2m
redis:
  addr: redis:6379
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("EDGE_CONSOLE_CONFIG", path)
	t.Setenv("MQTT_PORT", "1884")
	t.Setenv("OTA_FIRMWARE_TIMEOUT", "120")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MQTT.Host != "broker.lan" || cfg.MQTT.Port != 1884 {
		t.Fatalf("unexpected mqtt %+v", cfg.MQTT)
	}
	if d, _ := cfg.Dialect(); d != onwire.EVP1 {
		t.Fatalf("expected EVP1 from file")
	}
	if cfg.DeployTimeout != 45*time.Second || cfg.OTA.DeployTimeout != 2*time.Minute || cfg.OTA.FirmwareTimeout != 2*time.Minute {
		t.Fatalf("unexpected timeouts %+v %+v", cfg.DeployTimeout, cfg.OTA)
	}
	if cfg.OTA.UndeployTimeout != 30*time.Second {
		t.Fatalf("unset file keys must keep defaults")
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Fatalf("unexpected redis %+v", cfg.Redis)
	}
}

func TestLoadRejectsUnknownPlatform(t *testing.T) {
	t.Setenv("EDGE_CONSOLE_CONFIG", "")
	t.Setenv("EVP_IOT_PLATFORM", "aws")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unknown platform")
	}
}

func TestIsLocal(t *testing.T) {
	for host, want := range map[string]bool{
		"":            true,
		"localhost":   true,
		"127.0.0.1":   true,
		"::1":         true,
		"203.0.113.9": false,
	} {
		if got := IsLocal(host); got != want {
			t.Fatalf("%q: got %v", host, got)
		}
	}
}
