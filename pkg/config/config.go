package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Worker     WorkerConfig     `mapstructure:"worker"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Readwise   ReadwiseConfig   `mapstructure:"readwise"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	Vault      VaultConfig      `mapstructure:"vault"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

type WorkerConfig struct {
	OpsPort         int `mapstructure:"ops_port"`
	ShutdownTimeout int `mapstructure:"shutdown_timeout"`
}

type SchedulerConfig struct {
	LockTTLMinutes int `mapstructure:"lock_ttl_minutes"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	Topic         string   `mapstructure:"topic"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
}

// ReadwiseConfig tunes the rate-limited Readwise API client. Delays are
// in milliseconds; the list delay is sized for the ~20 req/min budget
// Readwise applies to its list endpoints.
type ReadwiseConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	ListDelayMS    int    `mapstructure:"list_delay_ms"`
	DefaultDelayMS int    `mapstructure:"default_delay_ms"`
	MaxDelayMS     int    `mapstructure:"max_delay_ms"`
	PageCap        int    `mapstructure:"page_cap"`
}

type EmbeddingsConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	APIKey            string `mapstructure:"api_key"`
	Model             string `mapstructure:"model"`
	BatchSize         int    `mapstructure:"batch_size"`
	RequestsPerSecond int    `mapstructure:"requests_per_second"`
	SelectLimit       int    `mapstructure:"select_limit"`
}

type VaultConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

type LoggerConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	Output    string `mapstructure:"output"`
	AddCaller bool   `mapstructure:"add_caller"`
}

func Load(serviceName string) (*Config, error) {
	viper.SetConfigName(serviceName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/inkwell")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("INKWELL")

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional, defaults and env vars cover everything
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("worker.ops_port", 8090)
	viper.SetDefault("worker.shutdown_timeout", 30)

	viper.SetDefault("scheduler.lock_ttl_minutes", 55)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "inkwell")
	viper.SetDefault("database.password", "inkwell")
	viper.SetDefault("database.name", "inkwell")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 25)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.topic", "inkwell.jobs")
	viper.SetDefault("kafka.consumer_group", "inkwell-worker")

	viper.SetDefault("readwise.base_url", "https://readwise.io/api")
	viper.SetDefault("readwise.list_delay_ms", 3000)
	viper.SetDefault("readwise.default_delay_ms", 240)
	viper.SetDefault("readwise.max_delay_ms", 30000)
	viper.SetDefault("readwise.page_cap", 200)

	viper.SetDefault("embeddings.base_url", "https://api.openai.com")
	viper.SetDefault("embeddings.model", "text-embedding-3-small")
	viper.SetDefault("embeddings.batch_size", 100)
	viper.SetDefault("embeddings.requests_per_second", 2)
	viper.SetDefault("embeddings.select_limit", 500)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "json")
	viper.SetDefault("logger.output", "stdout")
	viper.SetDefault("logger.add_caller", true)
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *SchedulerConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLMinutes) * time.Minute
}
