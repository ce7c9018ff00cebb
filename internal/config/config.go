// Package config loads the site builder configuration from the environment
// and the YAML rule tables that drive industry detection and section
// inclusion.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DatabaseConfig selects and locates the store backend.
type DatabaseConfig struct {
	Type       string // postgres or sqlite
	URL        string // postgres connection URL
	SQLitePath string
}

// AgentConfig describes how the coding agent is launched.
type AgentConfig struct {
	Binary      string
	WrapperPath string
	Home        string
	Timeout     time.Duration
}

// StockConfig holds the stock photo provider credentials.
type StockConfig struct {
	UnsplashAccessKey string
	PexelsAPIKey      string
	CacheTTL          time.Duration
}

// S3Config enables the S3 artifact store when Bucket is set.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// ValidationConfig controls the visual validation loop.
type ValidationConfig struct {
	Skip         bool
	NoFix        bool
	MaxFixCycles int
	PreviewPort  int
}

// Config is the full runtime configuration.
type Config struct {
	Environment string
	Port        string

	Database DatabaseConfig
	RedisURL string

	JWTSecret      string
	AdminPassword  string
	CookieDomain   string
	AllowedOrigins []string

	MaxConcurrentJobs int

	ClientsDir   string
	TemplateDir  string
	PromptsDir   string
	RulesFile    string
	ArtifactsDir string
	// ChromePath overrides the headless browser executable.
	ChromePath string

	Agent      AgentConfig
	Stock      StockConfig
	S3         S3Config
	Validation ValidationConfig

	StrictContentSchema bool
	CreativeByDefault   bool
}

// LoadDotEnv loads .env files from the working directory and its parents.
// Missing files are not an error.
func LoadDotEnv() {
	for _, p := range []string{".env", "../.env", "../../.env"} {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

// Load reads the configuration from environment variables.
func Load() *Config {
	cwd, _ := os.Getwd()

	cfg := &Config{
		Environment: DetectEnvironment(),
		Port:        getEnv("PORT", "8080"),
		Database: DatabaseConfig{
			Type:       getEnv("DATABASE_TYPE", ""),
			URL:        getEnv("DATABASE_URL", ""),
			SQLitePath: getEnv("SQLITE_PATH", filepath.Join(cwd, "data", "sitebuilder.db")),
		},
		RedisURL:          getEnv("REDIS_URL", ""),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		AdminPassword:     getEnv("ADMIN_PASSWORD", "admin"),
		CookieDomain:      getEnv("COOKIE_DOMAIN", ""),
		AllowedOrigins:    getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://127.0.0.1:3000"}),
		MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 2),
		ClientsDir:        getEnv("CLIENTS_DIR", filepath.Join(cwd, "clients")),
		TemplateDir:       getEnv("TEMPLATE_DIR", filepath.Join(cwd, "templates", "site-astro", "template")),
		PromptsDir:        getEnv("PROMPTS_DIR", filepath.Join(cwd, "templates", "site-astro", "prompts", "agents")),
		RulesFile:         getEnv("RULES_FILE", ""),
		ArtifactsDir:      getEnv("ARTIFACTS_DIR", filepath.Join(cwd, "artifacts")),
		ChromePath:        getEnv("CHROME_PATH", ""),
		Agent: AgentConfig{
			Binary:      getEnv("AGENT_BIN", "claude"),
			WrapperPath: getEnv("AGENT_WRAPPER", filepath.Join(cwd, "scripts", "run-claude.sh")),
			Home:        getEnv("HOME", "/home/claude"),
			Timeout:     getEnvDuration("AGENT_TIMEOUT", 0),
		},
		Stock: StockConfig{
			UnsplashAccessKey: getEnv("UNSPLASH_ACCESS_KEY", ""),
			PexelsAPIKey:      getEnv("PEXELS_API_KEY", ""),
			CacheTTL:          getEnvDuration("STOCK_CACHE_TTL", 24*time.Hour),
		},
		S3: S3Config{
			Bucket:          getEnv("S3_BUCKET", ""),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			Prefix:          getEnv("S3_PREFIX", "sites"),
		},
		Validation: ValidationConfig{
			Skip:         getEnvBool("SKIP_VALIDATION", false),
			NoFix:        getEnvBool("NO_FIX", false),
			MaxFixCycles: getEnvInt("MAX_FIX_CYCLES", 1),
			PreviewPort:  getEnvInt("PREVIEW_PORT", 4322),
		},
		StrictContentSchema: getEnvBool("STRICT_CONTENT_SCHEMA", false),
		CreativeByDefault:   getEnvBool("CREATIVE_MODE", false),
	}

	if cfg.Database.Type == "" {
		if strings.HasPrefix(cfg.Database.URL, "postgres://") || strings.HasPrefix(cfg.Database.URL, "postgresql://") {
			cfg.Database.Type = "postgres"
		} else {
			cfg.Database.Type = "sqlite"
		}
	}
	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = 1
	}
	if cfg.Validation.MaxFixCycles < 0 {
		cfg.Validation.MaxFixCycles = 0
	}
	return cfg
}

// IsProduction reports whether the configuration targets production.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction || c.Environment == "prod"
}

// ClientDir returns the output directory for a site.
func (c *Config) ClientDir(siteName string) string {
	return filepath.Join(c.ClientsDir, siteName)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
