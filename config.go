package quill

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	defaults "github.com/Paranoid-AF/quill/default"
)

// Config represents the user's quill configuration.
type Config struct {
	Version    int              `json:"version"`
	Generation GenerationConfig `json:"generation"`
	Completion CompletionConfig `json:"completion"`
	Chat       ChatConfig       `json:"chat"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Telemetry  TelemetryConfig  `json:"telemetry"`
}

// GenerationConfig holds settings for the generation API.
type GenerationConfig struct {
	BaseURL     string   `json:"base_url"`
	APIKey      string   `json:"api_key"`
	Model       string   `json:"model"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	// Candidates is the number of alternative completions requested (n).
	Candidates int `json:"candidates,omitempty"`
}

// CompletionConfig holds settings for automatic inline suggestions.
type CompletionConfig struct {
	AutoComplete         *bool `json:"auto_complete,omitempty"`
	DelayMs              int   `json:"delay_ms,omitempty"`
	MaxRequestsPerMinute int   `json:"max_requests_per_minute,omitempty"`
}

// ChatConfig holds settings for chat conversations.
type ChatConfig struct {
	Author string `json:"author,omitempty"`
	// SystemPrompt overrides the per-prompt-type system prompt when set.
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// EmbeddingConfig holds settings for the embedding API used to find
// related earlier conversations.
type EmbeddingConfig struct {
	BaseURL         string `json:"base_url"`
	APIKey          string `json:"api_key"`
	Model           string `json:"model"`
	Dimensions      int    `json:"dimensions,omitempty"`
	MaxIndexedTurns int    `json:"max_indexed_turns,omitempty"`
}

// TelemetryConfig holds telemetry settings.
type TelemetryConfig struct {
	OpenRouter *bool `json:"openrouter,omitempty"`
}

// ConfigDir returns the config directory path.
// Resolution order: $QUILL_CONFIG_DIR > $XDG_CONFIG_HOME/quill > ~/.config/quill
func ConfigDir() string {
	if dir := os.Getenv("QUILL_CONFIG_DIR"); dir != "" {
		return dir
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "quill")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "quill-config")
	}
	return filepath.Join(home, ".config", "quill")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// PromptPath returns the custom suggestion prompt file path.
func PromptPath() string {
	return filepath.Join(ConfigDir(), "prompt.md")
}

// ModelsPath returns the path of the user's model catalog override.
func ModelsPath() string {
	return filepath.Join(ConfigDir(), "models.yaml")
}

// DataDir returns the directory for persisted conversations and caches.
// Resolution order: $QUILL_DATA_DIR > $XDG_DATA_HOME/quill > ~/.local/share/quill
func DataDir() string {
	if dir := os.Getenv("QUILL_DATA_DIR"); dir != "" {
		return dir
	}
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "quill")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "quill-data")
	}
	return filepath.Join(home, ".local", "share", "quill")
}

// ConversationsDir returns the directory holding conversation files.
func ConversationsDir() string {
	return filepath.Join(DataDir(), "conversations")
}

// DefaultConfig returns the default configuration from the embedded default_config.json.
func DefaultConfig() *Config {
	var cfg Config
	if err := json.Unmarshal(defaults.DefaultConfigJSON, &cfg); err != nil {
		panic("quill: invalid embedded default_config.json: " + err.Error())
	}
	return &cfg
}

// LoadConfig loads config from disk or returns defaults if not found.
func LoadConfig() (*Config, error) {
	return LoadConfigFile(ConfigPath())
}

// LoadConfigFile loads config from path, back-filling missing fields from
// the defaults. A missing file yields the defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing fields
	defaults := DefaultConfig()
	if cfg.Generation.BaseURL == "" {
		cfg.Generation.BaseURL = defaults.Generation.BaseURL
	}
	if cfg.Generation.Model == "" {
		cfg.Generation.Model = defaults.Generation.Model
	}
	if cfg.Generation.MaxTokens == 0 {
		cfg.Generation.MaxTokens = defaults.Generation.MaxTokens
	}
	if cfg.Generation.Temperature == 0 {
		cfg.Generation.Temperature = defaults.Generation.Temperature
	}
	if cfg.Generation.Stop == nil {
		cfg.Generation.Stop = defaults.Generation.Stop
	}
	if cfg.Generation.Candidates == 0 {
		cfg.Generation.Candidates = defaults.Generation.Candidates
	}
	if cfg.Completion.AutoComplete == nil {
		cfg.Completion.AutoComplete = defaults.Completion.AutoComplete
	}
	if cfg.Completion.DelayMs == 0 {
		cfg.Completion.DelayMs = defaults.Completion.DelayMs
	}
	if cfg.Completion.MaxRequestsPerMinute == 0 {
		cfg.Completion.MaxRequestsPerMinute = defaults.Completion.MaxRequestsPerMinute
	}
	if cfg.Chat.Author == "" {
		cfg.Chat.Author = defaults.Chat.Author
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = defaults.Embedding.Model
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = defaults.Embedding.Dimensions
	}
	if cfg.Embedding.MaxIndexedTurns == 0 {
		cfg.Embedding.MaxIndexedTurns = defaults.Embedding.MaxIndexedTurns
	}
	if cfg.Telemetry.OpenRouter == nil {
		cfg.Telemetry.OpenRouter = defaults.Telemetry.OpenRouter
	}

	return &cfg, nil
}

// ValidateConfig checks configuration for potential issues and returns warnings.
func ValidateConfig(cfg *Config) []string {
	var warnings []string
	if cfg == nil {
		return warnings
	}
	if ResolveGenerationAPIKey(cfg) == "" {
		warnings = append(warnings, "generation API key is not configured; suggestions and chat are disabled")
	}
	if cfg.Generation.Candidates > 8 {
		warnings = append(warnings, "generation.candidates above 8 multiplies cost for every suggestion")
	}
	if cfg.Completion.DelayMs > 0 && cfg.Completion.DelayMs < 100 {
		warnings = append(warnings, "completion.delay_ms below 100 will send a request on almost every keystroke")
	}
	return warnings
}

// AutoCompleteEnabled reports whether automatic suggestions are on.
func AutoCompleteEnabled(cfg *Config) bool {
	if cfg == nil || cfg.Completion.AutoComplete == nil {
		return true
	}
	return *cfg.Completion.AutoComplete
}

// TriggerDelay returns the debounce delay for automatic suggestions.
func TriggerDelay(cfg *Config) time.Duration {
	if cfg == nil || cfg.Completion.DelayMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(cfg.Completion.DelayMs) * time.Millisecond
}

// ResolveGenerationBaseURL returns the generation API base URL.
// Priority: $QUILL_GENERATION_API_BASE_URL env > config value.
func ResolveGenerationBaseURL(cfg *Config) string {
	if url := os.Getenv("QUILL_GENERATION_API_BASE_URL"); url != "" {
		return url
	}
	if cfg != nil {
		return cfg.Generation.BaseURL
	}
	return ""
}

// ResolveGenerationAPIKey returns the generation API key.
// Priority: $QUILL_GENERATION_API_KEY env > config value.
func ResolveGenerationAPIKey(cfg *Config) string {
	if key := os.Getenv("QUILL_GENERATION_API_KEY"); key != "" {
		return key
	}
	if cfg != nil {
		return cfg.Generation.APIKey
	}
	return ""
}

// ResolveGenerationModel returns the generation model name.
// Priority: $QUILL_GENERATION_MODEL env > config value.
func ResolveGenerationModel(cfg *Config) string {
	if model := os.Getenv("QUILL_GENERATION_MODEL"); model != "" {
		return model
	}
	if cfg != nil {
		return cfg.Generation.Model
	}
	return ""
}

// ResolveEmbeddingBaseURL returns the embedding API base URL.
// Priority: $QUILL_EMBEDDING_API_BASE_URL env > config value.
func ResolveEmbeddingBaseURL(cfg *Config) string {
	if url := os.Getenv("QUILL_EMBEDDING_API_BASE_URL"); url != "" {
		return url
	}
	if cfg != nil {
		return cfg.Embedding.BaseURL
	}
	return ""
}

// ResolveEmbeddingAPIKey returns the embedding API key.
// Priority: $QUILL_EMBEDDING_API_KEY env > config value.
func ResolveEmbeddingAPIKey(cfg *Config) string {
	if key := os.Getenv("QUILL_EMBEDDING_API_KEY"); key != "" {
		return key
	}
	if cfg != nil {
		return cfg.Embedding.APIKey
	}
	return ""
}

// ResolveEmbeddingModel returns the embedding model name.
// Priority: $QUILL_EMBEDDING_MODEL env > config value.
func ResolveEmbeddingModel(cfg *Config) string {
	if model := os.Getenv("QUILL_EMBEDDING_MODEL"); model != "" {
		return model
	}
	if cfg != nil {
		return cfg.Embedding.Model
	}
	return ""
}

// EmbeddingEnabled returns true when both base_url and api_key are configured for embedding.
func EmbeddingEnabled(cfg *Config) bool {
	if cfg == nil {
		return false
	}
	return ResolveEmbeddingBaseURL(cfg) != "" && ResolveEmbeddingAPIKey(cfg) != ""
}

// OpenRouterTelemetryEnabled returns whether OpenRouter attribution headers should be sent.
func OpenRouterTelemetryEnabled(cfg *Config) bool {
	if cfg == nil || cfg.Telemetry.OpenRouter == nil {
		return true // default true
	}
	return *cfg.Telemetry.OpenRouter
}
