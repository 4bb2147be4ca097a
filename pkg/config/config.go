package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// ConfigError reports missing or invalid settings. It is fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Budget   BudgetConfig   `mapstructure:"budget"`
	Server   ServerConfig   `mapstructure:"server"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// StorageConfig selects the snapshot backend: memory, file, sqlite or postgres.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type OpenAIConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	BaseURL           string  `mapstructure:"base_url"`
	Model             string  `mapstructure:"model"`
	VisionModel       string  `mapstructure:"vision_model"`
	Temperature       float64 `mapstructure:"temperature"`
	AnalysisMaxTokens int     `mapstructure:"analysis_max_tokens"`
}

type BudgetConfig struct {
	TokenLimit          int     `mapstructure:"token_limit"`
	MaxCompletionTokens int     `mapstructure:"max_completion_tokens"`
	ReserveBuffer       int     `mapstructure:"reserve_buffer"`
	ImageCeiling        int     `mapstructure:"image_ceiling"`
	WarnRatio           float64 `mapstructure:"warn_ratio"`
	ImageTileBytes      int     `mapstructure:"image_tile_bytes"`
	ImageTileTokens     int     `mapstructure:"image_tile_tokens"`
	Encoding            string  `mapstructure:"encoding"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

var storageDrivers = map[string]bool{"memory": true, "file": true, "sqlite": true, "postgres": true}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return DatabaseConfig{}, fmt.Errorf("invalid port %q", p)
		}
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "sommbot")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("storage.driver", "file")
	v.SetDefault("openai.model", "gpt-4-turbo")
	v.SetDefault("openai.vision_model", "gpt-4-turbo")
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("openai.analysis_max_tokens", 500)
	v.SetDefault("budget.token_limit", 4000)
	v.SetDefault("budget.max_completion_tokens", 500)
	v.SetDefault("budget.reserve_buffer", 100)
	v.SetDefault("budget.image_ceiling", 6000)
	v.SetDefault("budget.warn_ratio", 0.9)
	v.SetDefault("budget.image_tile_bytes", 4096)
	v.SetDefault("budget.image_tile_tokens", 85)
	v.SetDefault("budget.encoding", "cl100k_base")
	v.SetDefault("server.port", 8080)
}

// LoadConfig reads path (optional when empty or missing) and applies
// environment overrides. It does not validate; call Validate for the
// surface being started.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Enable environment variable support
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
		if !v.InConfig("storage.driver") && os.Getenv("STORAGE_DRIVER") == "" {
			config.Storage.Driver = "postgres"
		}
	}

	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	return &config, nil
}

// Validate checks the settings every surface needs.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.OpenAI.APIKey) == "" {
		return &ConfigError{Field: "openai.api_key", Reason: "is required (set OPENAI_API_KEY)"}
	}
	if !storageDrivers[c.Storage.Driver] {
		return &ConfigError{Field: "storage.driver", Reason: fmt.Sprintf("must be one of memory, file, sqlite, postgres (got %q)", c.Storage.Driver)}
	}
	if c.Budget.TokenLimit <= 0 {
		return &ConfigError{Field: "budget.token_limit", Reason: "must be positive"}
	}
	if c.Budget.WarnRatio <= 0 || c.Budget.WarnRatio > 1 {
		return &ConfigError{Field: "budget.warn_ratio", Reason: "must be in (0, 1]"}
	}
	if c.Budget.ReserveBuffer < 0 {
		return &ConfigError{Field: "budget.reserve_buffer", Reason: "must not be negative"}
	}
	return nil
}

// ValidateBot additionally requires the Telegram token.
func (c *Config) ValidateBot() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return &ConfigError{Field: "telegram.token", Reason: "is required (set TELEGRAM_TOKEN)"}
	}
	return nil
}
