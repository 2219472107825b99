package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	DownloadDir string
	MetricsAddr string // empty = no metrics endpoint
	MDNS        bool
	SubnetSweep bool
	UpdateURL   string
	UpdateKey   string // path to a PEM public key
	LogLevel    string
	LogFormat   string
}

func Load() Config {
	return Config{
		DownloadDir: getEnv("LANSHARE_DOWNLOAD_DIR", "downloads"),
		MetricsAddr: getEnv("LANSHARE_METRICS_ADDR", ""),
		MDNS:        getEnvBool("LANSHARE_MDNS", true),
		SubnetSweep: getEnvBool("LANSHARE_SUBNET_SWEEP", false),
		UpdateURL:   getEnv("LANSHARE_UPDATE_URL", ""),
		UpdateKey:   getEnv("LANSHARE_UPDATE_KEY", ""),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:   strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
