package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config lists the tunable parameters for the park guide server.
type Config struct {
	HTTPPort        int
	MQTTBindAddress string
	MetricsPort     int
	DatabasePath    string
	LogLevel        string

	// CatalogPath overrides the embedded park catalog when set.
	CatalogPath   string
	CatalogKeying string

	// ScanSource is "mqtt" for remote devices or "ble" for the local adapter.
	ScanSource string
	// DeviceID names the local session in ble mode.
	DeviceID string

	DeepLinkPrefix   string
	NotificationBody string
	NotifyQueueSize  int

	MDNSEnabled bool
	MDNSName    string

	BLEWindow        time.Duration
	PathLossExponent float64
}

const (
	envPrefix = "PARKGUIDE_"

	defaultHTTPPort         = 8080
	defaultMQTTBindAddress  = ":1883"
	defaultMetricsPort      = 9090
	defaultDatabasePath     = "data/parkguide.db"
	defaultLogLevel         = "info"
	defaultCatalogKeying    = "minor"
	defaultScanSource       = "mqtt"
	defaultDeviceID         = "local"
	defaultDeepLinkPrefix   = "esterzili://place/"
	defaultNotificationBody = "You are near this place. Tap to discover more."
	defaultNotifyQueueSize  = 64
	defaultMDNSName         = "parkguide"
	defaultBLEWindow        = time.Second
	defaultPathLossExponent = 2.5
)

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:         defaultHTTPPort,
		MQTTBindAddress:  defaultMQTTBindAddress,
		MetricsPort:      defaultMetricsPort,
		DatabasePath:     defaultDatabasePath,
		LogLevel:         defaultLogLevel,
		CatalogKeying:    defaultCatalogKeying,
		ScanSource:       defaultScanSource,
		DeviceID:         defaultDeviceID,
		DeepLinkPrefix:   defaultDeepLinkPrefix,
		NotificationBody: defaultNotificationBody,
		NotifyQueueSize:  defaultNotifyQueueSize,
		MDNSEnabled:      true,
		MDNSName:         defaultMDNSName,
		BLEWindow:        defaultBLEWindow,
		PathLossExponent: defaultPathLossExponent,
	}

	var err error

	if cfg.HTTPPort, err = intEnv("HTTP_PORT", cfg.HTTPPort); err != nil {
		return Config{}, err
	}
	if v := env("MQTT_BIND"); v != "" {
		cfg.MQTTBindAddress = v
	}
	if cfg.MetricsPort, err = intEnv("METRICS_PORT", cfg.MetricsPort); err != nil {
		return Config{}, err
	}
	if v := env("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := env("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := env("CATALOG_PATH"); v != "" {
		cfg.CatalogPath = v
	}
	if v := env("CATALOG_KEYING"); v != "" {
		cfg.CatalogKeying = strings.ToLower(v)
	}
	if cfg.CatalogKeying != "minor" && cfg.CatalogKeying != "full" {
		return Config{}, fmt.Errorf("invalid %sCATALOG_KEYING %q: want minor or full", envPrefix, cfg.CatalogKeying)
	}

	if v := env("SCAN_SOURCE"); v != "" {
		cfg.ScanSource = strings.ToLower(v)
	}
	if cfg.ScanSource != "mqtt" && cfg.ScanSource != "ble" {
		return Config{}, fmt.Errorf("invalid %sSCAN_SOURCE %q: want mqtt or ble", envPrefix, cfg.ScanSource)
	}
	if v := env("DEVICE_ID"); v != "" {
		cfg.DeviceID = v
	}

	if v, ok := os.LookupEnv(envPrefix + "DEEP_LINK_PREFIX"); ok {
		cfg.DeepLinkPrefix = v
	}
	if v := env("NOTIFICATION_BODY"); v != "" {
		cfg.NotificationBody = v
	}
	if cfg.NotifyQueueSize, err = intEnv("NOTIFY_QUEUE", cfg.NotifyQueueSize); err != nil {
		return Config{}, err
	}

	if v := env("MDNS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %sMDNS_ENABLED: %w", envPrefix, err)
		}
		cfg.MDNSEnabled = enabled
	}
	if v := env("MDNS_NAME"); v != "" {
		cfg.MDNSName = v
	}

	if v := env("BLE_WINDOW"); v != "" {
		window, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %sBLE_WINDOW: %w", envPrefix, err)
		}
		if window <= 0 {
			return Config{}, fmt.Errorf("invalid %sBLE_WINDOW: must be positive", envPrefix)
		}
		cfg.BLEWindow = window
	}
	if v := env("PATH_LOSS_EXPONENT"); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %sPATH_LOSS_EXPONENT: %w", envPrefix, err)
		}
		if n <= 0 {
			return Config{}, fmt.Errorf("invalid %sPATH_LOSS_EXPONENT: must be positive", envPrefix)
		}
		cfg.PathLossExponent = n
	}

	return cfg, nil
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + name))
}

func intEnv(name string, fallback int) (int, error) {
	v := env(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
	}
	return n, nil
}
