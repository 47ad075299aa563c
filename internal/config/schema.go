package config

// Config holds transdesk configuration.
// Stored at: {home}/config.yaml
type Config struct {
	Server    ServerCfg    `mapstructure:"server" yaml:"server"`
	Pipeline  PipelineCfg  `mapstructure:"pipeline" yaml:"pipeline"`
	Providers ProvidersCfg `mapstructure:"providers" yaml:"providers"`
}

// ServerCfg configures the HTTP listener.
type ServerCfg struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// PipelineCfg configures the stage worker pool.
type PipelineCfg struct {
	MaxWorkers int `mapstructure:"max_workers" yaml:"max_workers"` // Concurrent stage tasks
	QueueSize  int `mapstructure:"queue_size" yaml:"queue_size"`   // Pending submissions before Submit blocks
}

// ProvidersCfg groups the external service configs.
type ProvidersCfg struct {
	OCR     OCRProviderCfg     `mapstructure:"ocr" yaml:"ocr"`
	Entity  EntityProviderCfg  `mapstructure:"entity" yaml:"entity"`
	LLM     LLMProviderCfg     `mapstructure:"llm" yaml:"llm"`
	Browser BrowserProviderCfg `mapstructure:"browser" yaml:"browser"`
}

// OCRProviderCfg configures the image translation (OCR) provider.
type OCRProviderCfg struct {
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	APIKey         string `mapstructure:"api_key" yaml:"api_key"` // Supports ${ENV_VAR} syntax
	APISecret      string `mapstructure:"api_secret" yaml:"api_secret"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries" yaml:"max_retries"`
	SourceLang     string `mapstructure:"source_lang" yaml:"source_lang"`
	TargetLang     string `mapstructure:"target_lang" yaml:"target_lang"`
}

// EntityProviderCfg configures the entity recognition provider.
type EntityProviderCfg struct {
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	APIKey         string `mapstructure:"api_key" yaml:"api_key"` // Supports ${ENV_VAR} syntax
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	DefaultMode    string `mapstructure:"default_mode" yaml:"default_mode"` // "fast" or "deep"
}

// LLMProviderCfg configures the OpenAI-compatible refinement provider.
type LLMProviderCfg struct {
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"` // Empty means api.openai.com
	APIKey         string `mapstructure:"api_key" yaml:"api_key"`   // Supports ${ENV_VAR} syntax
	Model          string `mapstructure:"model" yaml:"model"`
	BatchSize      int    `mapstructure:"batch_size" yaml:"batch_size"` // Regions per refinement request
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries" yaml:"max_retries"`
}

// BrowserProviderCfg configures the webpage capture service.
type BrowserProviderCfg struct {
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerCfg{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Pipeline: PipelineCfg{
			MaxWorkers: 4,
			QueueSize:  64,
		},
		Providers: ProvidersCfg{
			OCR: OCRProviderCfg{
				BaseURL:        "https://api.textin.example.com",
				APIKey:         "${TRANSDESK_OCR_API_KEY}",
				APISecret:      "${TRANSDESK_OCR_API_SECRET}",
				TimeoutSeconds: 180,
				MaxRetries:     3,
				SourceLang:     "zh",
				TargetLang:     "en",
			},
			Entity: EntityProviderCfg{
				BaseURL:        "https://api.entity.example.com",
				APIKey:         "${TRANSDESK_ENTITY_API_KEY}",
				TimeoutSeconds: 120,
				DefaultMode:    "fast",
			},
			LLM: LLMProviderCfg{
				APIKey:         "${OPENAI_API_KEY}",
				Model:          "gpt-4o",
				BatchSize:      30,
				TimeoutSeconds: 300,
				MaxRetries:     3,
			},
			Browser: BrowserProviderCfg{
				BaseURL:        "http://localhost:3100",
				TimeoutSeconds: 60,
			},
		},
	}
}
