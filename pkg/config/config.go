package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Vector    VectorConfig
	Redis     RedisConfig
	Cache     CacheConfig
	LLM       LLMConfig
	Ingestion IngestionConfig
	Chat      ChatConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins []string
	Development    bool
}

type SQLiteConfig struct {
	Path string
}

type VectorConfig struct {
	// Provider is "milvus" or "memory".
	Provider       string
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	TopK           int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type CacheConfig struct {
	// Provider is "redis" or "memory".
	Provider             string
	Prefix               string
	ListTTLSec           int
	ChatTTLSec           int
	EmbeddingTTLSec      int
	InvalidateOnMutation bool
	ClearOnShutdown      bool
}

func (c CacheConfig) ListTTL() time.Duration {
	return time.Duration(c.ListTTLSec) * time.Second
}

func (c CacheConfig) ChatTTL() time.Duration {
	return time.Duration(c.ChatTTLSec) * time.Second
}

func (c CacheConfig) EmbeddingTTL() time.Duration {
	return time.Duration(c.EmbeddingTTLSec) * time.Second
}

type LLMConfig struct {
	APIKey         string
	BaseURL        string
	DefaultModel   string
	AllowedModels  []string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
	EmbeddingModel string
}

type IngestionConfig struct {
	ScratchDir   string
	ChunkSize    int
	ChunkOverlap int
}

type ChatConfig struct {
	// RequireContext turns an empty retrieval into a RetrievalFailed error
	// instead of answering with context_available=false.
	RequireContext bool
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/docchat")

	v.SetEnvPrefix("DOCCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	switch c.Vector.Provider {
	case "milvus", "memory":
	default:
		return fmt.Errorf("unknown vector provider %q", c.Vector.Provider)
	}

	switch c.Cache.Provider {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown cache provider %q", c.Cache.Provider)
	}

	ttls := map[string]int{
		"listTTLSec":      c.Cache.ListTTLSec,
		"chatTTLSec":      c.Cache.ChatTTLSec,
		"embeddingTTLSec": c.Cache.EmbeddingTTLSec,
	}
	for name, ttl := range ttls {
		if ttl <= 0 {
			return fmt.Errorf("cache.%s must be positive, got %d", name, ttl)
		}
	}

	if c.Ingestion.ChunkOverlap >= c.Ingestion.ChunkSize {
		return fmt.Errorf("chunk overlap (%d) must be smaller than chunk size (%d)",
			c.Ingestion.ChunkOverlap, c.Ingestion.ChunkSize)
	}

	found := false
	for _, m := range c.LLM.AllowedModels {
		if m == c.LLM.DefaultModel {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("default model %q is not in allowed models", c.LLM.DefaultModel)
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 120)
	v.SetDefault("server.bodyLimit", 25*1024*1024)
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.development", false)

	v.SetDefault("sqlite.path", "./data/rag_app.db")

	v.SetDefault("vector.provider", "milvus")
	v.SetDefault("vector.endpoint", "localhost:19530")
	v.SetDefault("vector.collectionName", "docchat_chunks")
	v.SetDefault("vector.vectorDim", 1536)
	v.SetDefault("vector.topK", 2)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("cache.provider", "redis")
	v.SetDefault("cache.prefix", "docchat-cache")
	v.SetDefault("cache.listTTLSec", 3600)
	v.SetDefault("cache.chatTTLSec", 600)
	v.SetDefault("cache.embeddingTTLSec", 86400)
	v.SetDefault("cache.invalidateOnMutation", false)
	v.SetDefault("cache.clearOnShutdown", true)

	v.SetDefault("llm.defaultModel", "gpt-4o-mini")
	v.SetDefault("llm.allowedModels", []string{"gpt-4o", "gpt-4o-mini"})
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.maxTokens", 1024)
	v.SetDefault("llm.timeoutSec", 60)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")

	v.SetDefault("ingestion.scratchDir", "")
	v.SetDefault("ingestion.chunkSize", 1000)
	v.SetDefault("ingestion.chunkOverlap", 200)

	v.SetDefault("chat.requireContext", false)

	v.SetDefault("rateLimit.requestsPerMinute", 120)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
