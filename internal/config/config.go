// Package config loads Strato's control-plane configuration from environment
// variables, following the same getEnv/getEnvInt pattern the control plane
// has always used, plus a supplementary declarative file for non-secret
// scheduler and quota defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is every setting the control-plane binary needs at startup.
type Config struct {
	// HTTP / TLS for the management and enrollment API.
	HTTPPort    string
	TLSCertFile string
	TLSKeyFile  string

	// Agent Channel mTLS.
	AgentCACertFile   string
	RequireClientCert bool

	// Logging.
	LogLevel  string
	LogPretty bool

	// Persistence.
	DatabaseURL string
	RedisAddr   string

	// Event bus.
	NATSURL string

	// Identity Service.
	TrustDomain        string
	CAKeyPath          string
	CACertPath         string
	CertMaxValidityDays int

	// Scheduling and liveness.
	SchedulingStrategy       string
	AgentHeartbeatWindowSecs int
	ReservationTTLSecs       int

	// Authorization Oracle client.
	PermissionStoreEndpoint string
	PermissionStoreToken    string

	// External collaborator (named, not designed).
	ImageStoragePath string

	// Human-user auth secrets.
	JWTSecret string

	// Optional SSO providers for human-user login. Both are off unless their
	// Enabled flag is set; the control plane still starts without them.
	SAML SAMLSettings
	OIDC OIDCSettings

	// DefaultSSOOrgID is the organization SSO-provisioned users are created
	// under; Strato ties every user to one organization, so a deployment
	// fronting more than one organization needs a per-IdP mapping, which is
	// out of scope here.
	DefaultSSOOrgID string

	// Declarative, non-secret supplement.
	Scheduling SchedulingDefaults `yaml:"scheduling"`
	Quota      QuotaDefaults      `yaml:"quota"`
}

// SchedulingDefaults holds best_fit's weighting constants.
type SchedulingDefaults struct {
	BestFitAlpha float64 `yaml:"best_fit_alpha"`
	BestFitBeta  float64 `yaml:"best_fit_beta"`
}

// QuotaDefaults holds fallback quota maxima applied when a scope has none.
type QuotaDefaults struct {
	MaxCPU    int64 `yaml:"max_cpu"`
	MaxMemory int64 `yaml:"max_memory"`
	MaxDisk   int64 `yaml:"max_disk"`
	MaxVMs    int64 `yaml:"max_vms"`
}

// SAMLSettings configures the optional SAML SSO login provider.
type SAMLSettings struct {
	Enabled     bool
	EntityID    string
	MetadataURL string
	CertPath    string
	KeyPath     string
	// Provider selects the attribute-mapping template (okta, azuread,
	// google, auth0, keycloak, authentik, generic) applied to assertions
	// from this IdP.
	Provider string
}

// OIDCSettings configures the optional OIDC login provider.
type OIDCSettings struct {
	Enabled      bool
	ProviderURL  string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// Provider selects the scope/claim-name template (keycloak, okta,
	// auth0, google, azuread, github, gitlab, generic) for this IdP.
	Provider string
}

// Load reads environment variables and an optional config.yaml supplement.
// Env vars always win over the file; the file fills in scheduler weights and
// quota defaults that have no env-var analog.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		HTTPPort:                 getEnv("HTTP_PORT", "8443"),
		TLSCertFile:              os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:               os.Getenv("TLS_KEY_FILE"),
		AgentCACertFile:          os.Getenv("AGENT_CA_CERT_FILE"),
		RequireClientCert:        getEnv("REQUIRE_CLIENT_CERT", "true") == "true",
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		LogPretty:                getEnv("LOG_PRETTY", "false") == "true",
		DatabaseURL:              getEnv("DATABASE_URL", ""),
		RedisAddr:                getEnv("REDIS_ADDR", ""),
		NATSURL:                  getEnv("NATS_URL", ""),
		TrustDomain:              getEnv("TRUST_DOMAIN", "strato.internal"),
		CAKeyPath:                getEnv("CA_KEY_PATH", "./ca/ca.key"),
		CACertPath:               getEnv("CA_CERT_PATH", "./ca/ca.crt"),
		CertMaxValidityDays:      getEnvInt("CERT_MAX_VALIDITY_DAYS", 30),
		SchedulingStrategy:       getEnv("SCHEDULING_STRATEGY", "least_loaded"),
		AgentHeartbeatWindowSecs: getEnvInt("AGENT_HEARTBEAT_WINDOW_SECS", 60),
		ReservationTTLSecs:       getEnvInt("RESERVATION_TTL_SECS", 300),
		PermissionStoreEndpoint:  getEnv("PERMISSION_STORE_ENDPOINT", ""),
		PermissionStoreToken:     os.Getenv("PERMISSION_STORE_TOKEN"),
		ImageStoragePath:         getEnv("IMAGE_STORAGE_PATH", "./images"),
		JWTSecret:                os.Getenv("JWT_SECRET"),
		DefaultSSOOrgID:          os.Getenv("SSO_DEFAULT_ORG_ID"),
		SAML: SAMLSettings{
			Enabled:     getEnv("SAML_ENABLED", "false") == "true",
			EntityID:    os.Getenv("SAML_ENTITY_ID"),
			MetadataURL: os.Getenv("SAML_METADATA_URL"),
			CertPath:    os.Getenv("SAML_CERT_PATH"),
			KeyPath:     os.Getenv("SAML_KEY_PATH"),
			Provider:    getEnv("SAML_PROVIDER", "generic"),
		},
		OIDC: OIDCSettings{
			Enabled:      getEnv("OIDC_ENABLED", "false") == "true",
			ProviderURL:  os.Getenv("OIDC_PROVIDER_URL"),
			ClientID:     os.Getenv("OIDC_CLIENT_ID"),
			ClientSecret: os.Getenv("OIDC_CLIENT_SECRET"),
			RedirectURI:  os.Getenv("OIDC_REDIRECT_URI"),
			Provider:     getEnv("OIDC_PROVIDER", "generic"),
		},
		Scheduling: SchedulingDefaults{
			BestFitAlpha: 1.0,
			BestFitBeta:  1.0,
		},
		Quota: QuotaDefaults{
			MaxCPU:    64,
			MaxMemory: 256 << 30,
			MaxDisk:   4 << 40,
			MaxVMs:    200,
		},
	}

	if yamlPath != "" {
		if err := mergeYAML(cfg, yamlPath); err != nil {
			return nil, err
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("JWT_SECRET must be set and at least 32 characters")
	}

	return cfg, nil
}

func mergeYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	if overlay.Scheduling.BestFitAlpha != 0 {
		cfg.Scheduling.BestFitAlpha = overlay.Scheduling.BestFitAlpha
	}
	if overlay.Scheduling.BestFitBeta != 0 {
		cfg.Scheduling.BestFitBeta = overlay.Scheduling.BestFitBeta
	}
	if overlay.Quota.MaxCPU != 0 {
		cfg.Quota.MaxCPU = overlay.Quota.MaxCPU
	}
	if overlay.Quota.MaxMemory != 0 {
		cfg.Quota.MaxMemory = overlay.Quota.MaxMemory
	}
	if overlay.Quota.MaxDisk != 0 {
		cfg.Quota.MaxDisk = overlay.Quota.MaxDisk
	}
	if overlay.Quota.MaxVMs != 0 {
		cfg.Quota.MaxVMs = overlay.Quota.MaxVMs
	}
	return nil
}

// HeartbeatWindow is AgentHeartbeatWindowSecs as a time.Duration.
func (c *Config) HeartbeatWindow() time.Duration {
	return time.Duration(c.AgentHeartbeatWindowSecs) * time.Second
}

// ReservationTTL is ReservationTTLSecs as a time.Duration.
func (c *Config) ReservationTTL() time.Duration {
	return time.Duration(c.ReservationTTLSecs) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
