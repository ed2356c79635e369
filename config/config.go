// Package config assembles the runtime configuration from defaults, an optional
// YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Environment selects the output directory root. It never changes behaviour.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// DirName is the directory segment used under the output root.
func (e Environment) DirName() string {
	if e == Production {
		return "prod"
	}
	return "dev"
}

type EmbeddingConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	BatchSize int    `yaml:"batch_size"`
}

type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

type VectorStoreConfig struct {
	Backend     string `yaml:"backend"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type RetrievalConfig struct {
	TopK            int           `yaml:"top_k"`
	MaxTopK         int           `yaml:"max_top_k"`
	ContextBudget   int           `yaml:"context_budget_chars"`
	RelevanceFloor  float64       `yaml:"relevance_floor"`
	EmbedTimeout    time.Duration `yaml:"embed_timeout"`
	SearchTimeout   time.Duration `yaml:"search_timeout"`
	GenerateTimeout time.Duration `yaml:"generate_timeout"`
}

type CrawlConfig struct {
	AllowedDomains    []string      `yaml:"allowed_domains"`
	MaxPages          int           `yaml:"max_pages"`
	MaxInFlight       int           `yaml:"max_in_flight"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Timeout           time.Duration `yaml:"timeout"`
	UserAgent         string        `yaml:"user_agent"`
}

type SortConfig struct {
	AllowedExtensions []string `yaml:"allowed_extensions"`
	Exclude           []string `yaml:"exclude"`
}

type Config struct {
	Environment Environment `yaml:"environment"`
	OutputRoot  string      `yaml:"output"`
	Collection  string      `yaml:"collection"`
	Workers     int         `yaml:"workers"`

	Embeddings  EmbeddingConfig   `yaml:"embeddings"`
	LLM         LLMConfig         `yaml:"llm"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Crawl       CrawlConfig       `yaml:"crawl"`
	Sort        SortConfig        `yaml:"sort"`

	Neo4jURI  string `yaml:"neo4j_uri"`
	Neo4jUser string `yaml:"neo4j_username"`
	Neo4jPass string `yaml:"neo4j_password"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	OllamaHost    string `yaml:"ollama_host"`
	OpenAIAPIKey  string `yaml:"-"`
	OpenAIBaseURL string `yaml:"openai_base_url"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	HTTPAddr  string `yaml:"http_addr"`
}

// Default returns the configuration used when neither a file nor the
// environment overrides a value.
func Default() Config {
	return Config{
		Environment: Development,
		OutputRoot:  "output",
		Collection:  "documents",
		Workers:     4,
		Embeddings: EmbeddingConfig{
			Provider:  ProviderOllama,
			Model:     "nomic-embed-text",
			BatchSize: 100,
		},
		LLM: LLMConfig{
			Provider:    ProviderOllama,
			Model:       "llama3.1",
			Temperature: 0.3,
			MaxTokens:   1000,
		},
		VectorStore: VectorStoreConfig{
			Backend:     BackendSQLite,
			PostgresDSN: "postgres://localhost:5432/docqa?sslmode=disable",
		},
		Retrieval: RetrievalConfig{
			TopK:            5,
			MaxTopK:         20,
			ContextBudget:   12000,
			EmbedTimeout:    30 * time.Second,
			SearchTimeout:   15 * time.Second,
			GenerateTimeout: 120 * time.Second,
		},
		Crawl: CrawlConfig{
			MaxPages:          100,
			MaxInFlight:       4,
			RequestsPerSecond: 2,
			Timeout:           10 * time.Second,
			UserAgent:         "docqa-crawler/1.0",
		},
		Sort: SortConfig{
			AllowedExtensions: []string{"html", "pdf", "docx", "xlsx", "csv", "md", "txt"},
			Exclude:           []string{"**/.git/**", "**/.DS_Store", "**/~$*"},
		},
		Neo4jUser:  "neo4j",
		OllamaHost: "http://localhost:11434",
		LogLevel:   "info",
		LogFormat:  "text",
		HTTPAddr:   ":8080",
	}
}

// Load builds a Config. A missing file at path is not an error; an empty path
// skips the file layer.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if getBool("DOCQA_PRODUCTION", false) {
		cfg.Environment = Production
	}
	cfg.OutputRoot = getEnv("DOCQA_OUTPUT", cfg.OutputRoot)
	cfg.Collection = getEnv("DOCQA_COLLECTION", cfg.Collection)
	cfg.Workers = getInt("DOCQA_WORKERS", cfg.Workers)

	cfg.Embeddings.Provider = strings.ToLower(getEnv("EMBEDDING_PROVIDER", cfg.Embeddings.Provider))
	cfg.Embeddings.Model = getEnv("EMBEDDING_MODEL", cfg.Embeddings.Model)
	cfg.Embeddings.Dimension = getInt("EMBEDDING_DIMENSION", cfg.Embeddings.Dimension)
	cfg.Embeddings.BatchSize = getInt("EMBEDDING_BATCH_SIZE", cfg.Embeddings.BatchSize)

	cfg.LLM.Provider = strings.ToLower(getEnv("LLM_PROVIDER", cfg.LLM.Provider))
	cfg.LLM.Model = getEnv("LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.Temperature = float32(getFloat("LLM_TEMPERATURE", float64(cfg.LLM.Temperature)))
	cfg.LLM.MaxTokens = getInt("LLM_MAX_TOKENS", cfg.LLM.MaxTokens)

	cfg.VectorStore.Backend = strings.ToLower(getEnv("VECTOR_BACKEND", cfg.VectorStore.Backend))
	cfg.VectorStore.SQLitePath = getEnv("SQLITE_PATH", cfg.VectorStore.SQLitePath)
	cfg.VectorStore.PostgresDSN = getEnv("POSTGRES_DSN", cfg.VectorStore.PostgresDSN)

	cfg.Retrieval.TopK = getInt("RETRIEVAL_TOP_K", cfg.Retrieval.TopK)
	cfg.Retrieval.MaxTopK = getInt("RETRIEVAL_MAX_TOP_K", cfg.Retrieval.MaxTopK)
	cfg.Retrieval.ContextBudget = getInt("CONTEXT_BUDGET_CHARS", cfg.Retrieval.ContextBudget)
	cfg.Retrieval.RelevanceFloor = getFloat("RELEVANCE_FLOOR", cfg.Retrieval.RelevanceFloor)
	cfg.Retrieval.EmbedTimeout = getDuration("EMBED_TIMEOUT", cfg.Retrieval.EmbedTimeout)
	cfg.Retrieval.SearchTimeout = getDuration("SEARCH_TIMEOUT", cfg.Retrieval.SearchTimeout)
	cfg.Retrieval.GenerateTimeout = getDuration("GENERATE_TIMEOUT", cfg.Retrieval.GenerateTimeout)

	if domains := getEnv("CRAWL_ALLOWED_DOMAINS", ""); domains != "" {
		cfg.Crawl.AllowedDomains = SplitList(domains)
	}
	cfg.Crawl.MaxPages = getInt("CRAWL_MAX_PAGES", cfg.Crawl.MaxPages)
	cfg.Crawl.MaxInFlight = getInt("CRAWL_MAX_IN_FLIGHT", cfg.Crawl.MaxInFlight)
	cfg.Crawl.RequestsPerSecond = getFloat("CRAWL_RPS", cfg.Crawl.RequestsPerSecond)
	cfg.Crawl.Timeout = getDuration("CRAWL_TIMEOUT", cfg.Crawl.Timeout)
	cfg.Crawl.UserAgent = getEnv("CRAWL_USER_AGENT", cfg.Crawl.UserAgent)

	if exts := getEnv("SORT_ALLOWED_EXTENSIONS", ""); exts != "" {
		cfg.Sort.AllowedExtensions = SplitList(exts)
	}

	cfg.Neo4jURI = getEnv("NEO4J_URI", cfg.Neo4jURI)
	cfg.Neo4jUser = getEnv("NEO4J_USERNAME", cfg.Neo4jUser)
	cfg.Neo4jPass = getEnv("NEO4J_PASSWORD", cfg.Neo4jPass)

	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getInt("REDIS_DB", cfg.RedisDB)

	cfg.OllamaHost = getEnv("OLLAMA_HOST", cfg.OllamaHost)
	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", cfg.OpenAIBaseURL)

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Environment == "" {
		cfg.Environment = Development
	}
	if cfg.Embeddings.BatchSize <= 0 {
		cfg.Embeddings.BatchSize = def.Embeddings.BatchSize
	}
	if cfg.Retrieval.TopK <= 0 {
		cfg.Retrieval.TopK = def.Retrieval.TopK
	}
	if cfg.Retrieval.MaxTopK <= 0 {
		cfg.Retrieval.MaxTopK = def.Retrieval.MaxTopK
	}
	if cfg.Retrieval.ContextBudget <= 0 {
		cfg.Retrieval.ContextBudget = def.Retrieval.ContextBudget
	}
	if cfg.Retrieval.EmbedTimeout <= 0 {
		cfg.Retrieval.EmbedTimeout = def.Retrieval.EmbedTimeout
	}
	if cfg.Retrieval.SearchTimeout <= 0 {
		cfg.Retrieval.SearchTimeout = def.Retrieval.SearchTimeout
	}
	if cfg.Retrieval.GenerateTimeout <= 0 {
		cfg.Retrieval.GenerateTimeout = def.Retrieval.GenerateTimeout
	}
	if cfg.Crawl.MaxInFlight <= 0 {
		cfg.Crawl.MaxInFlight = def.Crawl.MaxInFlight
	}
	if cfg.Crawl.Timeout <= 0 {
		cfg.Crawl.Timeout = def.Crawl.Timeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
}

// Validate rejects combinations that would fail later in a less obvious place.
func (c Config) Validate() error {
	switch c.Environment {
	case Development, Production:
	default:
		return fmt.Errorf("unknown environment: %s", c.Environment)
	}
	switch c.VectorStore.Backend {
	case BackendSQLite, BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("unknown vector backend: %s", c.VectorStore.Backend)
	}
	if strings.TrimSpace(c.Collection) == "" {
		return fmt.Errorf("collection name must not be empty")
	}
	if c.Retrieval.TopK > c.Retrieval.MaxTopK {
		return fmt.Errorf("retrieval top_k %d exceeds max_top_k %d", c.Retrieval.TopK, c.Retrieval.MaxTopK)
	}
	return nil
}

// EnvironmentRoot is <output>/dev or <output>/prod.
func (c Config) EnvironmentRoot() string {
	return filepath.Join(c.OutputRoot, c.Environment.DirName())
}

// SQLiteFile resolves the vector database path, defaulting to a file under
// the environment root so dev and prod never share a collection.
func (c Config) SQLiteFile() string {
	if c.VectorStore.SQLitePath != "" {
		return c.VectorStore.SQLitePath
	}
	return filepath.Join(c.EnvironmentRoot(), "vector_db", "collections.db")
}

// EmbeddingModelID identifies the embedding model stored with every collection.
func (c Config) EmbeddingModelID() string {
	return c.Embeddings.Provider + "/" + c.Embeddings.Model
}

// SplitList splits a comma separated flag or env value, dropping blanks.
func SplitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
