package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Neo4j     Neo4jConfig     `yaml:"neo4j"`
	Reasoning ReasoningConfig `yaml:"reasoning"`
	Engine    EngineConfig    `yaml:"engine"`
	Auth      AuthConfig      `yaml:"auth"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	CORSAllowOrigin string        `yaml:"cors_allow_origin"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ReasoningConfig points at an OpenAI-compatible chat endpoint; a local
// Ollama instance works with BaseURL "http://localhost:11434/v1".
type ReasoningConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	Temperature float64       `yaml:"temperature"`
}

// EngineConfig carries investigation defaults. Budgets are configuration,
// not constants; POST /cases may override them per case.
type EngineConfig struct {
	MaxHops           int           `yaml:"max_hops"`
	CostBudget        float64       `yaml:"cost_budget"`
	MaxNodes          int           `yaml:"max_nodes"`
	FanoutCap         int           `yaml:"fanout_cap"`
	MinYield          int           `yaml:"min_yield"`
	AdviceCost        float64       `yaml:"advice_cost"`
	TraversalTimeout  time.Duration `yaml:"traversal_timeout"`
	TraversalRetries  int           `yaml:"traversal_retries"`
	NeighborLimit     int           `yaml:"neighbor_limit"`
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 4000
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		// SSE streams stay open well past a normal response
		c.Server.WriteTimeout = 10 * time.Minute
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Neo4j.URI == "" {
		c.Neo4j.URI = "bolt://localhost:7687"
	}

	if c.Reasoning.BaseURL == "" {
		c.Reasoning.BaseURL = "http://localhost:11434/v1"
	}
	if c.Reasoning.Model == "" {
		c.Reasoning.Model = "mistral"
	}
	if c.Reasoning.APIKey == "" {
		c.Reasoning.APIKey = "ollama"
	}
	if c.Reasoning.Timeout == 0 {
		c.Reasoning.Timeout = 60 * time.Second
	}
	if c.Reasoning.MaxRetries == 0 {
		c.Reasoning.MaxRetries = 2
	}
	if c.Reasoning.Temperature == 0 {
		c.Reasoning.Temperature = 0.2
	}

	if c.Engine.MaxHops == 0 {
		c.Engine.MaxHops = 3
	}
	if c.Engine.CostBudget == 0 {
		c.Engine.CostBudget = 50
	}
	if c.Engine.MaxNodes == 0 {
		c.Engine.MaxNodes = 500
	}
	if c.Engine.FanoutCap == 0 {
		c.Engine.FanoutCap = 25
	}
	if c.Engine.MinYield == 0 {
		c.Engine.MinYield = 3
	}
	if c.Engine.AdviceCost == 0 {
		c.Engine.AdviceCost = 1
	}
	if c.Engine.TraversalTimeout == 0 {
		c.Engine.TraversalTimeout = 30 * time.Second
	}
	if c.Engine.TraversalRetries == 0 {
		c.Engine.TraversalRetries = 2
	}
	if c.Engine.NeighborLimit == 0 {
		c.Engine.NeighborLimit = 50
	}

	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = "change-me-in-production"

		fmt.Println("WARNING: Using default JWT secret. Set auth.jwt_secret in production!")
	}
	if c.Auth.TokenExpiry == 0 {
		c.Auth.TokenExpiry = 12 * time.Hour
	}
}
