package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Database struct {
		Driver   string `yaml:"driver"` // mysql | postgres
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslMode"`
	} `yaml:"database"`

	Minio struct {
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL"`
	} `yaml:"minio"`

	OpenAI struct {
		APIKey string `yaml:"apiKey"`
		Model  string `yaml:"model"`
	} `yaml:"openai"`

	GitHub struct {
		Token         string `yaml:"token"`
		WebhookSecret string `yaml:"webhookSecret"`
		BotLogin      string `yaml:"botLogin"`
		APIBaseURL    string `yaml:"apiBaseURL"`
	} `yaml:"github"`

	Pipeline struct {
		MaxIterations          int `yaml:"maxIterations"`
		MinFeedbackForTraining int `yaml:"minFeedbackForTraining"`
		RAGPatternLimit        int `yaml:"ragPatternLimit"`
		MaxRiskFactors         int `yaml:"maxRiskFactors"`
	} `yaml:"pipeline"`

	Jobs struct {
		Workers            int `yaml:"workers"`
		SoftTimeoutSeconds int `yaml:"softTimeoutSeconds"`
		HardTimeoutSeconds int `yaml:"hardTimeoutSeconds"`
		MaxRetries         int `yaml:"maxRetries"`
	} `yaml:"jobs"`
}

// Load reads the yaml config file and applies pipeline defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Pipeline.MaxIterations == 0 {
		c.Pipeline.MaxIterations = 3
	}
	if c.Pipeline.MinFeedbackForTraining == 0 {
		c.Pipeline.MinFeedbackForTraining = 10
	}
	if c.Pipeline.RAGPatternLimit == 0 {
		c.Pipeline.RAGPatternLimit = 3
	}
	if c.Pipeline.MaxRiskFactors == 0 {
		c.Pipeline.MaxRiskFactors = 5
	}
	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = 4
	}
	if c.Jobs.SoftTimeoutSeconds == 0 {
		c.Jobs.SoftTimeoutSeconds = 600
	}
	if c.Jobs.HardTimeoutSeconds == 0 {
		c.Jobs.HardTimeoutSeconds = 900
	}
	if c.Jobs.MaxRetries == 0 {
		c.Jobs.MaxRetries = 3
	}
	if c.GitHub.APIBaseURL == "" {
		c.GitHub.APIBaseURL = "https://api.github.com"
	}
}

// MySQLDSN builds the DSN for the mysql driver.
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// PostgresDSN builds the DSN for the lib/pq driver.
func (c *Config) PostgresDSN() string {
	sslMode := c.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		sslMode,
	)
}
