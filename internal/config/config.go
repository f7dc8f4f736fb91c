package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/PetoAdam/homenavi/edge-console/internal/onwire"
)

type MQTT struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
}

type Webserver struct {
	// Host is the address the camera downloads from. Empty means the
	// address of the interface that routes outward.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type OTA struct {
	UndeployTimeout time.Duration `yaml:"undeploy_timeout"`
	DeployTimeout   time.Duration `yaml:"deploy_timeout"`
	FirmwareTimeout time.Duration `yaml:"firmware_timeout"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
}

type Config struct {
	DeviceID         string        `yaml:"device_id"`
	MQTT             MQTT          `yaml:"mqtt"`
	IoTPlatform      string        `yaml:"iot_platform"`
	Webserver        Webserver     `yaml:"webserver"`
	DeployTimeout    time.Duration `yaml:"deploy_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	OTA              OTA           `yaml:"ota"`
	APIPort          string        `yaml:"api_port"`
	HistoryPath      string        `yaml:"history_path"`
	Redis            Redis         `yaml:"redis"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
}

func Default() Config {
	return Config{
		DeviceID:         "camera",
		MQTT:             MQTT{Host: "localhost", Port: 1883},
		IoTPlatform:      "tb",
		Webserver:        Webserver{Port: 8000},
		DeployTimeout:    15 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		OTA: OTA{
			UndeployTimeout: 30 * time.Second,
			DeployTimeout:   90 * time.Second,
			FirmwareTimeout: 4 * time.Minute,
		},
		APIPort:     "8080",
		HistoryPath: "edge-console.db",
		LogLevel:    "info",
		LogFormat:   "text",
	}
}

func getEnv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// Plain numbers are seconds.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

// Load starts from the defaults, applies the YAML file named by
// EDGE_CONSOLE_CONFIG when set, then environment variables.
func Load() (Config, error) {
	cfg := Default()
	if path := getEnv("EDGE_CONSOLE_CONFIG", ""); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.DeviceID = getEnv("DEVICE_ID", cfg.DeviceID)
	cfg.MQTT.Host = getEnv("MQTT_HOST", cfg.MQTT.Host)
	cfg.MQTT.Port = getEnvInt("MQTT_PORT", cfg.MQTT.Port)
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", cfg.MQTT.ClientID)
	cfg.IoTPlatform = getEnv("EVP_IOT_PLATFORM", cfg.IoTPlatform)
	cfg.Webserver.Host = getEnv("WEBSERVER_HOST", cfg.Webserver.Host)
	cfg.Webserver.Port = getEnvInt("WEBSERVER_PORT", cfg.Webserver.Port)
	cfg.DeployTimeout = getEnvDuration("DEPLOY_TIMEOUT", cfg.DeployTimeout)
	cfg.HandshakeTimeout = getEnvDuration("HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)
	cfg.OTA.UndeployTimeout = getEnvDuration("OTA_UNDEPLOY_TIMEOUT", cfg.OTA.UndeployTimeout)
	cfg.OTA.DeployTimeout = getEnvDuration("OTA_DEPLOY_TIMEOUT", cfg.OTA.DeployTimeout)
	cfg.OTA.FirmwareTimeout = getEnvDuration("OTA_FIRMWARE_TIMEOUT", cfg.OTA.FirmwareTimeout)
	cfg.APIPort = getEnv("EDGE_CONSOLE_PORT", cfg.APIPort)
	cfg.HistoryPath = getEnv("HISTORY_DB_PATH", cfg.HistoryPath)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	if _, err := cfg.Dialect(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) BrokerURL() string {
	return "mqtt://" + net.JoinHostPort(c.MQTT.Host, strconv.Itoa(c.MQTT.Port))
}

// Dialect is the dialect the device agent is configured for.
func (c Config) Dialect() (onwire.Dialect, error) {
	return onwire.FromIoTPlatform(c.IoTPlatform)
}

// WebserverHost resolves an empty host to the outward-facing local address.
func (c Config) WebserverHost() string {
	if c.Webserver.Host != "" {
		return c.Webserver.Host
	}
	return LocalIP()
}

// LocalIP returns the address of the interface holding the default route,
// or 127.0.0.1 without one. No packet is sent.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// IsLocal reports whether host names this machine.
func IsLocal(host string) bool {
	if host == "" || host == "localhost" || host == LocalIP() {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
