// Package config provides application settings loaded from environment
// variables, optionally overlaid with a YAML file.
//
// Settings are created via New() which handles:
// - Environment variable parsing with validation
// - Default value application
// - Provider-specific configuration lookup
//
// Precedence, lowest to highest: built-in defaults, YAML file, environment.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings holds all application configuration.
type Settings struct {
	LLM    LLMConfig    `yaml:"llm"`
	Chunk  ChunkConfig  `yaml:"chunk"`
	Cache  CacheConfig  `yaml:"cache"`
	Server ServerConfig `yaml:"server"`
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	MaxTokens   uint32  `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// ChunkConfig holds token budgeting and orchestration configuration.
type ChunkConfig struct {
	MaxOutputTokens    int     `yaml:"max_output_tokens"`
	OutputReserveRatio float64 `yaml:"output_reserve_ratio"`
	MaxItemsCap        int     `yaml:"max_items_cap"`
	ParseRetries       int     `yaml:"parse_retries"`
	DefaultCount       int     `yaml:"default_count"`
}

// CacheConfig holds variant cache configuration.
type CacheConfig struct {
	MaxPerKey               int           `yaml:"max_per_key"`
	SlidingWindow           time.Duration `yaml:"sliding_window"`
	AbsoluteWindow          time.Duration `yaml:"absolute_window"`
	RefreshThresholdPercent int           `yaml:"refresh_threshold_percent"`
	MaxItems                int           `yaml:"max_items"`
	SweepInterval           time.Duration `yaml:"sweep_interval"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// providerInfo holds configuration for a specific LLM provider.
type providerInfo struct {
	modelEnv     string
	defaultModel string
	apiKeyEnv    string
}

// Supported providers and their configuration.
var providers = map[string]providerInfo{
	"openai":    {"OPENAI_MODEL", "gpt-4o", "OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_MODEL", "claude-sonnet-4-20250514", "ANTHROPIC_API_KEY"},
	"deepseek":  {"DEEPSEEK_MODEL", "deepseek-chat", "DEEPSEEK_API_KEY"},
	"gemini":    {"GEMINI_MODEL", "gemini-2.5-flash", "GEMINI_API_KEY"},
}

// Provider aliases map to canonical names.
var providerAliases = map[string]string{
	"claude": "anthropic",
	"google": "gemini",
	"gpt":    "openai",
}

// New creates settings for the specified provider, loading values from
// environment variables. Returns an error if the provider is unknown or
// environment variables contain invalid values.
func New(provider string) (Settings, error) {
	s, err := defaults(provider)
	if err != nil {
		return Settings{}, err
	}
	if err := s.applyEnv(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// defaults returns the built-in settings for a provider.
func defaults(provider string) (Settings, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return Settings{}, err
	}

	return Settings{
		LLM: LLMConfig{
			Provider:    provider,
			Model:       info.defaultModel,
			MaxTokens:   2048,
			Temperature: 0.9,
		},
		Chunk: ChunkConfig{
			MaxOutputTokens:    2048,
			OutputReserveRatio: 0.75,
			MaxItemsCap:        250,
			ParseRetries:       2,
			DefaultCount:       10,
		},
		Cache: CacheConfig{
			MaxPerKey:               5,
			SlidingWindow:           10 * time.Minute,
			AbsoluteWindow:          time.Hour,
			RefreshThresholdPercent: 20,
			MaxItems:                500,
			SweepInterval:           time.Minute,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}, nil
}

// applyEnv overlays environment variables onto s. Provider env names
// (model, API key) follow the providers table; everything else is MIRAGE_*.
func (s *Settings) applyEnv() error {
	var err error
	if s.LLM.MaxTokens, err = getEnvUint32("LLM_MAX_TOKENS", s.LLM.MaxTokens); err != nil {
		return err
	}
	if s.LLM.Temperature, err = getEnvFloat64("LLM_TEMPERATURE", s.LLM.Temperature); err != nil {
		return err
	}
	if info, ok := providers[s.LLM.Provider]; ok {
		if model := os.Getenv(info.modelEnv); model != "" {
			s.LLM.Model = model
		}
	}
	if s.Chunk.MaxOutputTokens, err = getEnvInt("MIRAGE_MAX_OUTPUT_TOKENS", s.Chunk.MaxOutputTokens); err != nil {
		return err
	}
	if s.Chunk.OutputReserveRatio, err = getEnvFloat64("MIRAGE_OUTPUT_RESERVE_RATIO", s.Chunk.OutputReserveRatio); err != nil {
		return err
	}
	if s.Chunk.MaxItemsCap, err = getEnvInt("MIRAGE_MAX_ITEMS_CAP", s.Chunk.MaxItemsCap); err != nil {
		return err
	}
	if s.Chunk.ParseRetries, err = getEnvInt("MIRAGE_CHUNK_PARSE_RETRIES", s.Chunk.ParseRetries); err != nil {
		return err
	}
	if s.Chunk.DefaultCount, err = getEnvInt("MIRAGE_DEFAULT_COUNT", s.Chunk.DefaultCount); err != nil {
		return err
	}
	if s.Cache.MaxPerKey, err = getEnvInt("MIRAGE_CACHE_MAX_PER_KEY", s.Cache.MaxPerKey); err != nil {
		return err
	}
	if s.Cache.SlidingWindow, err = getEnvDuration("MIRAGE_CACHE_SLIDING_WINDOW", s.Cache.SlidingWindow); err != nil {
		return err
	}
	if s.Cache.AbsoluteWindow, err = getEnvDuration("MIRAGE_CACHE_ABSOLUTE_WINDOW", s.Cache.AbsoluteWindow); err != nil {
		return err
	}
	if s.Cache.RefreshThresholdPercent, err = getEnvInt("MIRAGE_CACHE_REFRESH_PERCENT", s.Cache.RefreshThresholdPercent); err != nil {
		return err
	}
	if s.Cache.MaxItems, err = getEnvInt("MIRAGE_CACHE_MAX_ITEMS", s.Cache.MaxItems); err != nil {
		return err
	}
	if s.Cache.SweepInterval, err = getEnvDuration("MIRAGE_CACHE_SWEEP_INTERVAL", s.Cache.SweepInterval); err != nil {
		return err
	}
	if addr := os.Getenv("MIRAGE_ADDR"); addr != "" {
		s.Server.Addr = addr
	}
	return nil
}

// MustNew creates settings for the specified provider.
// Panics if the provider is unknown or environment variables are invalid.
// Use this only when configuration errors should be fatal.
func MustNew(provider string) Settings {
	settings, err := New(provider)
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return settings
}

// normalizeProvider converts provider aliases to canonical names.
func normalizeProvider(provider string) string {
	provider = strings.ToLower(provider)
	if canonical, ok := providerAliases[provider]; ok {
		return canonical
	}
	return provider
}

// getProviderInfo returns configuration for a provider.
func getProviderInfo(provider string) (providerInfo, error) {
	info, ok := providers[provider]
	if !ok {
		return providerInfo{}, fmt.Errorf("unknown provider: %q", provider)
	}
	return info, nil
}

// APIKeyFor returns the API key for a provider from environment variables.
func APIKeyFor(provider string) (string, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}

	key := os.Getenv(info.apiKeyEnv)
	if key == "" {
		return "", fmt.Errorf("%s environment variable not set", info.apiKeyEnv)
	}
	return key, nil
}

// ModelFor returns the model for a provider, checking environment first.
func ModelFor(provider string) (string, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}

	if val := os.Getenv(info.modelEnv); val != "" {
		return val, nil
	}
	return info.defaultModel, nil
}

// SupportedProviders returns the list of supported provider names.
func SupportedProviders() []string {
	result := make([]string, 0, len(providers))
	for name := range providers {
		result = append(result, name)
	}
	return result
}

// Environment variable helpers with proper error handling

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return i, nil
}

func getEnvUint32(key string, defaultVal uint32) (uint32, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return uint32(i), nil
}

func getEnvFloat64(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return f, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return d, nil
}
