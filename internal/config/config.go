package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	Engine    EngineConfig
	Ollama    OllamaConfig
	OpenAI    OpenAIConfig
	Index     IndexConfig
	Cache     CacheConfig
	Catalog   CatalogConfig
	Search    SearchConfig
	Agent     AgentConfig
	Embedding EmbeddingConfig
	Ingest    IngestConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

// EngineConfig selects which inference backend serves chat and embeddings.
type EngineConfig struct {
	Provider string // "ollama" or "openai"
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	ChatModel  string
	EmbedModel string
}

type IndexConfig struct {
	Backend     string // "sqlite" or "postgres"
	Name        string
	Dimensions  int
	PostgresDSN string
}

type CacheConfig struct {
	RedisAddr  string
	TTLSeconds int
}

type CatalogConfig struct {
	InventoryPath string
	PersonasPath  string
}

type SearchConfig struct {
	DefaultTop    int
	IncludeFacets bool
}

type AgentConfig struct {
	Enabled   bool
	TimeoutMS int
}

type EmbeddingConfig struct {
	RatePerSec float64
}

type IngestConfig struct {
	Workers int
}

// AgentTimeout returns the agent timeout as a duration.
func (c AgentConfig) AgentTimeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// CacheTTL returns the embedding cache TTL as a duration.
func (c CacheConfig) CacheTTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4000,
			MaxConns: 256,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Engine: EngineConfig{
			Provider: "ollama",
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "qwen2.5:3b",
			EmbedModel: "nomic-embed-text",
		},
		OpenAI: OpenAIConfig{
			BaseURL:    "https://api.openai.com/v1",
			ChatModel:  "gpt-4o-mini",
			EmbedModel: "text-embedding-3-small",
		},
		Index: IndexConfig{
			Backend:    "sqlite",
			Name:       "products",
			Dimensions: 768,
		},
		Cache: CacheConfig{
			TTLSeconds: 86400,
		},
		Search: SearchConfig{
			DefaultTop:    1000,
			IncludeFacets: true,
		},
		Agent: AgentConfig{
			Enabled:   true,
			TimeoutMS: 5000,
		},
		Embedding: EmbeddingConfig{
			RatePerSec: 20,
		},
		Ingest: IngestConfig{
			Workers: 4,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.strongbuy.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a nested YAML file at
// $XDG_CONFIG_HOME/strongbuy/config.yaml and secrets live in
// $XDG_DATA_HOME/strongbuy/secrets.yaml.
//
// Environment variables (STRONGBUY_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// Keychain abstracts secret storage for testing.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

const keychainService = "strongbuy"

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Secrets not provided via env fall back to the keychain.
	for _, s := range settings {
		if !s.secret || s.value(cfg) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.key); err == nil && v != "" {
			s.parse(&cfg, v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ErrMissingConfig reports a required setting that was not provided.
var ErrMissingConfig = errors.New("missing required config")

// Validate checks provider and backend selections and their credentials.
func (c Config) Validate() error {
	switch c.Engine.Provider {
	case "ollama":
	case "openai":
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("%w: OpenAI API key. Set it via environment variable STRONGBUY_OPENAI_API_KEY%s",
				ErrMissingConfig, secretHint("openai.api_key"))
		}
	default:
		return fmt.Errorf("unknown engine.provider %q (want ollama or openai)", c.Engine.Provider)
	}

	switch c.Index.Backend {
	case "sqlite":
	case "postgres":
		if c.Index.PostgresDSN == "" {
			return fmt.Errorf("%w: Postgres DSN. Set it via environment variable STRONGBUY_INDEX_POSTGRES_DSN%s",
				ErrMissingConfig, secretHint("index.postgres_dsn"))
		}
	default:
		return fmt.Errorf("unknown index.backend %q (want sqlite or postgres)", c.Index.Backend)
	}

	if c.Index.Dimensions <= 0 {
		return fmt.Errorf("index.dimensions must be positive, got %d", c.Index.Dimensions)
	}
	if c.Search.DefaultTop <= 0 || c.Search.DefaultTop > maxSearchTop {
		return fmt.Errorf("search.default_top must be between 1 and %d, got %d", maxSearchTop, c.Search.DefaultTop)
	}
	return nil
}

// maxSearchTop is the largest result size the search engine serves.
const maxSearchTop = 1000

// keychainStore reads and writes the platform secret store.
type keychainStore struct{}

// NewKeychain returns the platform secret store.
func NewKeychain() Keychain {
	return keychainStore{}
}

func (keychainStore) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (keychainStore) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
