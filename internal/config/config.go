// Package config loads service configuration from an optional YAML file and
// PA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all service configuration.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Concurrency   ConcurrencyConfig   `mapstructure:"concurrency"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Policy        PolicyConfig        `mapstructure:"policy"`
	ReferenceData ReferenceDataConfig `mapstructure:"reference_data"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Server        ServerConfig        `mapstructure:"server"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
}

// ServiceConfig identifies the running process.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

// PipelineConfig holds the decision gates.
type PipelineConfig struct {
	EligibilityThreshold float64 `mapstructure:"eligibility_threshold" validate:"min=0,max=1"`
	QualityThreshold     float64 `mapstructure:"quality_threshold" validate:"min=0,max=1"`
	NarrativeRetries     int     `mapstructure:"narrative_retries" validate:"min=0,max=10"`
	TopK                 int     `mapstructure:"top_k" validate:"min=1,max=50"`
	MinSimilarity        float64 `mapstructure:"min_similarity" validate:"min=-1,max=1"`
	MaxContextChars      int     `mapstructure:"max_context_chars" validate:"min=500"`
	LabTolerance         float64 `mapstructure:"lab_tolerance" validate:"min=0"`
}

// RetryConfig applies to reasoning and generation calls.
type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts" validate:"min=1,max=10"`
	BaseDelay     time.Duration `mapstructure:"base_delay" validate:"min=0"`
	MaxDelay      time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	Randomization float64       `mapstructure:"randomization" validate:"min=0,max=1"`
	CallTimeout   time.Duration `mapstructure:"call_timeout" validate:"min=1ms"`
}

// ConcurrencyConfig bounds parallel requests.
type ConcurrencyConfig struct {
	Workers   int `mapstructure:"workers" validate:"min=1"`
	QueueSize int `mapstructure:"queue_size" validate:"min=1"`
}

// LLMConfig points at an OpenAI-compatible endpoint.
type LLMConfig struct {
	BaseURL         string  `mapstructure:"base_url" validate:"required,url"`
	APIKey          string  `mapstructure:"api_key"`
	ReasoningModel  string  `mapstructure:"reasoning_model" validate:"required"`
	GenerationModel string  `mapstructure:"generation_model" validate:"required"`
	EmbeddingModel  string  `mapstructure:"embedding_model" validate:"required"`
	EmbeddingDims   int     `mapstructure:"embedding_dims" validate:"min=1"`
	Temperature     float64 `mapstructure:"temperature" validate:"min=0,max=2"`
	MaxTokens       int     `mapstructure:"max_tokens" validate:"min=50"`
}

// PolicyConfig controls index building.
type PolicyConfig struct {
	Backend      string        `mapstructure:"backend" validate:"oneof=memory pgvector"`
	ChunkSize    int           `mapstructure:"chunk_size" validate:"min=50"`
	ChunkOverlap int           `mapstructure:"chunk_overlap" validate:"min=0,ltfield=ChunkSize"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

// ReferenceDataConfig lists the file-backed collaborators.
type ReferenceDataConfig struct {
	FormularyPath   string `mapstructure:"formulary_path"`
	FormularySource string `mapstructure:"formulary_source" validate:"oneof=file postgres"`
	PatientsPath    string `mapstructure:"patients_path"`
	PolicyDir       string `mapstructure:"policy_dir"`
	VocabularyPath  string `mapstructure:"vocabulary_path"`
}

// DatabaseConfig is the Postgres connection. An empty URL keeps decision
// records in memory.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig is the embedding cache connection. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig lists Redpanda brokers.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
}

// ServerConfig configures the HTTP adapter.
type ServerConfig struct {
	Port    string            `mapstructure:"port"`
	APIKeys map[string]string `mapstructure:"api_keys"`
}

// TracingConfig configures the OTLP exporter. An empty endpoint disables tracing.
type TracingConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// setDefaults registers every key, empty ones included: AutomaticEnv only
// reaches keys viper already knows when unmarshalling.
func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "priorauth")
	v.SetDefault("service.environment", "development")
	v.SetDefault("service.log_level", "info")

	v.SetDefault("pipeline.eligibility_threshold", 0.8)
	v.SetDefault("pipeline.quality_threshold", 0.9)
	v.SetDefault("pipeline.narrative_retries", 2)
	v.SetDefault("pipeline.top_k", 3)
	v.SetDefault("pipeline.min_similarity", 0.2)
	v.SetDefault("pipeline.max_context_chars", 6000)
	v.SetDefault("pipeline.lab_tolerance", 0.05)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 10*time.Second)
	v.SetDefault("retry.randomization", 0.5)
	v.SetDefault("retry.call_timeout", 30*time.Second)

	v.SetDefault("concurrency.workers", 8)
	v.SetDefault("concurrency.queue_size", 256)

	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.reasoning_model", "gpt-4o-mini")
	v.SetDefault("llm.generation_model", "gpt-4o-mini")
	v.SetDefault("llm.embedding_model", "text-embedding-3-small")
	v.SetDefault("llm.embedding_dims", 1536)
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_tokens", 1000)

	v.SetDefault("policy.backend", "memory")
	v.SetDefault("policy.chunk_size", 500)
	v.SetDefault("policy.chunk_overlap", 100)
	v.SetDefault("policy.cache_ttl", 24*time.Hour)

	v.SetDefault("reference_data.formulary_path", "data/formulary.yaml")
	v.SetDefault("reference_data.formulary_source", "file")
	v.SetDefault("reference_data.patients_path", "data/patients.yaml")
	v.SetDefault("reference_data.policy_dir", "data/policies")
	v.SetDefault("reference_data.vocabulary_path", "")

	v.SetDefault("database.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "pa-worker")

	v.SetDefault("server.port", "8081")
	v.SetDefault("server.api_keys", map[string]string{})

	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.sample_rate", 1.0)
}

// Load reads path (if not empty) and PA_* environment variables, e.g.
// PA_PIPELINE_ELIGIBILITY_THRESHOLD or PA_LLM_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if brokers := v.GetString("kafka.brokers"); strings.Contains(brokers, ",") {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration Load produces with no file and no env.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Database.URL == "" {
		if c.Policy.Backend == "pgvector" {
			return errors.New("invalid config: policy.backend pgvector needs database.url")
		}
		if c.ReferenceData.FormularySource == "postgres" {
			return errors.New("invalid config: reference_data.formulary_source postgres needs database.url")
		}
	}
	return nil
}
