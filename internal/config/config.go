package config

import (
	"os"
	"strings"
	"time"
)

type Config struct {
	Addr    string
	DataDir string
	DBPath  string

	// TelemetryInterval is the cadence of the broker's snapshot broadcast to
	// online agents. The broadcast is suspended while no agent is online.
	TelemetryInterval time.Duration

	// ProbeRetention bounds how old a probe sample may get before pruning.
	ProbeRetention time.Duration
	PruneInterval  time.Duration

	// TargetCacheTTL is how long the distributed target list may be served
	// from memory before re-reading the store.
	TargetCacheTTL time.Duration

	// SupersedeGrace delays tearing down a previous agent session when the
	// same hostname registers again. Zero tears down immediately.
	SupersedeGrace time.Duration

	SSHTimeout  time.Duration
	TokenTTL    time.Duration
	WSOrigins   []string
	GeoEndpoint string
	GeoDisabled bool
}

func Load() Config {
	dataDir := getenv("LOOKOUT_DATA_DIR", "./data")
	return Config{
		Addr:              getenv("LOOKOUT_ADDR", ":8080"),
		DataDir:           dataDir,
		DBPath:            getenv("LOOKOUT_DB_PATH", dataDir+"/lookout.db"),
		TelemetryInterval: getenvDuration("LOOKOUT_TELEMETRY_INTERVAL", 3*time.Second),
		ProbeRetention:    getenvDuration("LOOKOUT_PROBE_RETENTION", 24*time.Hour),
		PruneInterval:     getenvDuration("LOOKOUT_PRUNE_INTERVAL", 10*time.Minute),
		TargetCacheTTL:    getenvDuration("LOOKOUT_TARGET_CACHE_TTL", 5*time.Second),
		SupersedeGrace:    getenvDuration("LOOKOUT_SUPERSEDE_GRACE", 0),
		SSHTimeout:        getenvDuration("LOOKOUT_SSH_TIMEOUT", 10*time.Second),
		TokenTTL:          getenvDuration("LOOKOUT_TOKEN_TTL", 12*time.Hour),
		WSOrigins:         getenvList("LOOKOUT_WS_ORIGINS", nil),
		GeoEndpoint:       getenv("LOOKOUT_GEO_ENDPOINT", "http://ip-api.com/json"),
		GeoDisabled:       getenvBool("LOOKOUT_GEO_DISABLED", false),
	}
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvDuration(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		return d
	}
	return dur
}

func getenvBool(k string, d bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(k)))
	if v == "" {
		return d
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	return d
}

func getenvList(k string, d []string) []string {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
