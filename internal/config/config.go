// Package config assembles the typed application configuration from viper,
// which layers config file, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/seopages/spiderworker/internal/database"
	"github.com/seopages/spiderworker/internal/logger"
	"github.com/seopages/spiderworker/internal/redisx"
)

// App holds application-level settings.
type App struct {
	Name        string
	Environment string
	Debug       bool
}

// Spider holds crawl-side defaults applied when a project does not override
// them.
type Spider struct {
	Concurrency int
	MaxRetries  int
	Timeout     time.Duration
	Proxy       string
}

// Processor holds the generator pipeline baseline knobs. system_settings
// rows override these at runtime.
type Processor struct {
	Concurrency        int
	BatchSize          int
	MinParagraphLength int
	RetryMax           int
}

// Scheduler holds scheduler settings.
type Scheduler struct {
	Enabled bool
}

// Config is the root application configuration.
type Config struct {
	App       App
	Logger    logger.Config
	Redis     redisx.Config
	Database  database.Config
	Spider    Spider
	Processor Processor
	Scheduler Scheduler
}

// SetDefaults registers every default with viper. Called once before the
// config file and environment are read.
func SetDefaults() {
	viper.SetDefault("app.name", "spiderworker")
	viper.SetDefault("app.environment", "production")
	viper.SetDefault("app.debug", false)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.development", false)
	viper.SetDefault("logger.output_paths", []string{"stdout"})

	viper.SetDefault("redis.address", "127.0.0.1:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("database.host", "127.0.0.1")
	viper.SetDefault("database.port", "5432")
	viper.SetDefault("database.user", "spiderworker")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.dbname", "spiderworker")
	viper.SetDefault("database.sslmode", "disable")

	viper.SetDefault("spider.concurrency", 4)
	viper.SetDefault("spider.max_retries", 3)
	viper.SetDefault("spider.timeout", "30s")
	viper.SetDefault("spider.proxy", "")

	viper.SetDefault("processor.concurrency", 4)
	viper.SetDefault("processor.batch_size", 20)
	viper.SetDefault("processor.min_paragraph_length", 10)
	viper.SetDefault("processor.retry_max", 3)

	viper.SetDefault("scheduler.enabled", true)
}

// Load builds the typed configuration from viper's current state.
func Load() (*Config, error) {
	cfg := &Config{
		App: App{
			Name:        viper.GetString("app.name"),
			Environment: viper.GetString("app.environment"),
			Debug:       viper.GetBool("app.debug"),
		},
		Logger: logger.Config{
			Level:       viper.GetString("logger.level"),
			Development: viper.GetBool("logger.development"),
			OutputPaths: viper.GetStringSlice("logger.output_paths"),
		},
		Redis: redisx.Config{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Database: database.Config{
			Host:     viper.GetString("database.host"),
			Port:     viper.GetString("database.port"),
			User:     viper.GetString("database.user"),
			Password: viper.GetString("database.password"),
			DBName:   viper.GetString("database.dbname"),
			SSLMode:  viper.GetString("database.sslmode"),
		},
		Spider: Spider{
			Concurrency: viper.GetInt("spider.concurrency"),
			MaxRetries:  viper.GetInt("spider.max_retries"),
			Timeout:     viper.GetDuration("spider.timeout"),
			Proxy:       viper.GetString("spider.proxy"),
		},
		Processor: Processor{
			Concurrency:        viper.GetInt("processor.concurrency"),
			BatchSize:          viper.GetInt("processor.batch_size"),
			MinParagraphLength: viper.GetInt("processor.min_paragraph_length"),
			RetryMax:           viper.GetInt("processor.retry_max"),
		},
		Scheduler: Scheduler{
			Enabled: viper.GetBool("scheduler.enabled"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot possibly work.
func (c *Config) Validate() error {
	if c.Redis.Address == "" {
		return errors.New("redis.address is required")
	}
	if c.Database.Host == "" || c.Database.DBName == "" {
		return errors.New("database.host and database.dbname are required")
	}
	if c.Spider.Concurrency <= 0 {
		return fmt.Errorf("spider.concurrency must be positive, got %d", c.Spider.Concurrency)
	}
	if c.Processor.Concurrency <= 0 {
		return fmt.Errorf("processor.concurrency must be positive, got %d", c.Processor.Concurrency)
	}
	return nil
}
