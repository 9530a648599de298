// Package config loads service configuration from environment variables,
// with an optional YAML overlay for non-secret tunables. Parsing fails fast
// with an explicit error per missing or invalid variable.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Secret wraps a sensitive string so it cannot leak through %v/%s/%+v
// formatting or JSON encoding. Call Value to use it.
type Secret struct {
	value string
}

// NewSecret wraps a plaintext secret.
func NewSecret(v string) Secret { return Secret{value: v} }

// Value returns the wrapped plaintext.
func (s Secret) Value() string { return s.value }

func (s Secret) String() string               { return "[REDACTED]" }
func (s Secret) GoString() string             { return "config.Secret{[REDACTED]}" }
func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"[REDACTED]"`), nil }

// AC holds the Authentication Controller configuration.
type AC struct {
	DatabaseURL  string
	BindAddress  string
	MasterKey    []byte // decoded AC_MASTER_KEY, always 32 bytes
	ClusterName  string
	ClockSkew    time.Duration
	DrainPeriod  time.Duration
	RedisAddr    string // optional; empty means in-memory rate limiting

	// DevDefaultSubdomain, when set, is used for Hosts that carry no
	// subdomain (bare domain / localhost). Local development only.
	DevDefaultSubdomain string
}

// GC holds the Global Controller configuration.
type GC struct {
	DatabaseURL     string
	BindAddress     string
	GRPCBindAddress string
	ACBaseURL       string
	JWKSURL         string
	ClientID        string
	ClientSecret    Secret
	Region          string
	ClockSkew       time.Duration
	StalenessThresh time.Duration
	DrainPeriod     time.Duration
	RedisAddr       string

	DevDefaultSubdomain string
}

// Overlay is the optional YAML file for non-secret tunables. Values set in
// the file lose to explicitly-set environment variables.
type Overlay struct {
	BindAddress     string `yaml:"bind_address"`
	GRPCBindAddress string `yaml:"grpc_bind_address"`
	Region          string `yaml:"region"`
	DrainSeconds    int    `yaml:"drain_seconds"`
	StalenessSecs   int    `yaml:"mc_staleness_threshold_seconds"`
}

// LoadOverlay reads the YAML overlay if CONFIG_FILE is set. A missing
// variable yields an empty overlay, not an error.
func LoadOverlay() (*Overlay, error) {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		return &Overlay{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file %s: %w", path, err)
	}
	defer f.Close()

	var o Overlay
	if err := yaml.NewDecoder(f).Decode(&o); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &o, nil
}

// LoadAC builds the AC configuration from the environment.
func LoadAC() (*AC, error) {
	overlay, err := LoadOverlay()
	if err != nil {
		return nil, err
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	masterKey, err := decodeMasterKey(os.Getenv("AC_MASTER_KEY"))
	if err != nil {
		return nil, err
	}

	skew, err := durationSecondsEnv("JWT_CLOCK_SKEW_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	drain, err := durationSecondsEnv("DRAIN_SECONDS", overlayOr(overlay.DrainSeconds, 30))
	if err != nil {
		return nil, err
	}

	cluster := os.Getenv("AC_CLUSTER_NAME")
	if cluster == "" {
		cluster = "default"
	}

	return &AC{
		DatabaseURL:         dbURL,
		BindAddress:         stringEnv("BIND_ADDRESS", overlayOrStr(overlay.BindAddress, ":8080")),
		MasterKey:           masterKey,
		ClusterName:         cluster,
		ClockSkew:           skew,
		DrainPeriod:         drain,
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		DevDefaultSubdomain: os.Getenv("DEV_DEFAULT_SUBDOMAIN"),
	}, nil
}

// LoadGC builds the GC configuration from the environment.
func LoadGC() (*GC, error) {
	overlay, err := LoadOverlay()
	if err != nil {
		return nil, err
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	acBaseURL := os.Getenv("AC_BASE_URL")
	if acBaseURL == "" {
		return nil, fmt.Errorf("AC_BASE_URL is required")
	}
	jwksURL := stringEnv("AC_JWKS_URL", acBaseURL+"/.well-known/jwks.json")
	clientID := os.Getenv("GC_CLIENT_ID")
	if clientID == "" {
		return nil, fmt.Errorf("GC_CLIENT_ID is required")
	}
	clientSecret := os.Getenv("GC_CLIENT_SECRET")
	if clientSecret == "" {
		return nil, fmt.Errorf("GC_CLIENT_SECRET is required")
	}

	skew, err := durationSecondsEnv("JWT_CLOCK_SKEW_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	staleness, err := durationSecondsEnv("MC_STALENESS_THRESHOLD_SECONDS", overlayOr(overlay.StalenessSecs, 30))
	if err != nil {
		return nil, err
	}
	drain, err := durationSecondsEnv("DRAIN_SECONDS", overlayOr(overlay.DrainSeconds, 30))
	if err != nil {
		return nil, err
	}

	return &GC{
		DatabaseURL:         dbURL,
		BindAddress:         stringEnv("BIND_ADDRESS", overlayOrStr(overlay.BindAddress, ":8081")),
		GRPCBindAddress:     stringEnv("GRPC_BIND_ADDRESS", overlayOrStr(overlay.GRPCBindAddress, ":9090")),
		ACBaseURL:           acBaseURL,
		JWKSURL:             jwksURL,
		ClientID:            clientID,
		ClientSecret:        NewSecret(clientSecret),
		Region:              stringEnv("GC_REGION", overlayOrStr(overlay.Region, "us-east-1")),
		ClockSkew:           skew,
		StalenessThresh:     staleness,
		DrainPeriod:         drain,
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		DevDefaultSubdomain: os.Getenv("DEV_DEFAULT_SUBDOMAIN"),
	}, nil
}

func decodeMasterKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, fmt.Errorf("AC_MASTER_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("AC_MASTER_KEY is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("AC_MASTER_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func stringEnv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func durationSecondsEnv(name string, def int) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return time.Duration(def) * time.Second, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", name, raw)
	}
	return time.Duration(n) * time.Second, nil
}

func overlayOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func overlayOrStr(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
