package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort               = 8080
	defaultOpenAIBaseURL      = "https://api.openai.com/v1"
	defaultOpenAIModel        = "gpt-4o-mini"
	defaultGeminiBaseURL      = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel        = "gemini-2.0-flash"
	defaultTemperature        = 0.5
	envOpenAIAPIKey           = "OPENAI_API_KEY"
	envGeminiAPIKey           = "GEMINI_API_KEY"
	defaultOpenAIUnityMarker  = "mini"
	defaultGeminiUnityMarker  = "flash"
	defaultSystemPromptString = "You are a helpful assistant."
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server" validate:"required"`
	Prompt    PromptConfig    `yaml:"prompt"`
	Providers ProvidersConfig `yaml:"providers" validate:"required"`
}

// ServerConfig defines listener configuration and the inbound access collaborators.
type ServerConfig struct {
	Port           int      `yaml:"port" validate:"min=1,max=65535"`
	AllowedOrigins []string `yaml:"allowed_origins" validate:"dive,required"`
	ClientKeys     []string `yaml:"client_keys" validate:"dive,required"`
}

// PromptConfig holds defaults used when a request carries free text instead of messages.
type PromptConfig struct {
	DefaultSystemPrompt string `yaml:"default_system_prompt"`
}

// ProvidersConfig catalogues configured upstream providers.
type ProvidersConfig struct {
	OpenAI OpenAIConfig `yaml:"openai"`
	Gemini GeminiConfig `yaml:"gemini"`
}

// ProviderConfig captures authentication and routing info shared by all providers.
type ProviderConfig struct {
	APIKey       string  `yaml:"api_key"`
	BaseURL      string  `yaml:"base_url" validate:"required,url"`
	DefaultModel string  `yaml:"default_model" validate:"required"`
	Headers      Headers `yaml:"headers"`
	// UnityTemperatureMarkers lists model name fragments whose sampling
	// temperature is forced to 1.
	UnityTemperatureMarkers []string `yaml:"unity_temperature_markers" validate:"dive,required"`
}

// OpenAIConfig extends ProviderConfig with the model allow-set and default temperature.
type OpenAIConfig struct {
	ProviderConfig     `yaml:",inline"`
	AllowedModels      []string `yaml:"allowed_models" validate:"dive,required"`
	DefaultTemperature *float64 `yaml:"default_temperature" validate:"omitempty,min=0,max=2"`
}

// GeminiConfig configures the Gemini-compatible provider.
type GeminiConfig struct {
	ProviderConfig `yaml:",inline"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// Default returns a configuration usable without a file: both providers point at
// their public endpoints and read API keys from the environment.
func Default() Config {
	cfg := Config{
		Server: ServerConfig{Port: defaultPort},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads YAML configuration from disk and validates the result.
// ${VAR} references in the file are expanded from the environment before parsing.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if strings.TrimSpace(c.Prompt.DefaultSystemPrompt) == "" {
		c.Prompt.DefaultSystemPrompt = defaultSystemPromptString
	}

	oa := &c.Providers.OpenAI
	if oa.APIKey == "" {
		oa.APIKey = os.Getenv(envOpenAIAPIKey)
	}
	if oa.BaseURL == "" {
		oa.BaseURL = defaultOpenAIBaseURL
	}
	if oa.DefaultModel == "" {
		oa.DefaultModel = defaultOpenAIModel
	}
	if oa.DefaultTemperature == nil {
		t := defaultTemperature
		oa.DefaultTemperature = &t
	}
	if oa.UnityTemperatureMarkers == nil {
		oa.UnityTemperatureMarkers = []string{defaultOpenAIUnityMarker}
	}
	if len(oa.AllowedModels) == 0 {
		oa.AllowedModels = []string{oa.DefaultModel}
	}

	gm := &c.Providers.Gemini
	if gm.APIKey == "" {
		gm.APIKey = os.Getenv(envGeminiAPIKey)
	}
	if gm.BaseURL == "" {
		gm.BaseURL = defaultGeminiBaseURL
	}
	if gm.DefaultModel == "" {
		gm.DefaultModel = defaultGeminiModel
	}
	if gm.UnityTemperatureMarkers == nil {
		gm.UnityTemperatureMarkers = []string{defaultGeminiUnityMarker}
	}
}

// Validate performs strict sanity checks on the configuration.
// Missing API keys are not an error here: the affected route answers 500 instead.
func (c Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("config: %s failed %q validation (value %v)", first.Namespace(), first.Tag(), first.Value())
		}
		return fmt.Errorf("config: %w", err)
	}

	providers := map[string]ProviderConfig{
		"openai": c.Providers.OpenAI.ProviderConfig,
		"gemini": c.Providers.Gemini.ProviderConfig,
	}
	for name, provider := range providers {
		if err := validateProvider(name, provider); err != nil {
			return err
		}
	}

	for _, model := range c.Providers.OpenAI.AllowedModels {
		if strings.TrimSpace(model) == "" {
			return errors.New("provider openai: allowed model ids must not be blank")
		}
	}

	return nil
}

func validateProvider(name string, provider ProviderConfig) error {
	if strings.TrimSpace(provider.DefaultModel) == "" {
		return fmt.Errorf("provider %s: default_model must be provided", name)
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
