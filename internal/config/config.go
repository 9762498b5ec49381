package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config aggregates every tunable of the service.
type Config struct {
	Server  ServerConfig
	Arkiv   ArkivConfig
	Channel ChannelConfig
	AI      AIConfig
	Verify  VerifyConfig
	Store   StoreConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	channel, err := loadChannelConfig()
	if err != nil {
		return nil, err
	}

	verify, err := loadVerifyConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		Arkiv:   loadArkivConfig(),
		Channel: channel,
		AI:      ai,
		Verify:  verify,
		Store:   loadStoreConfig(),
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" verbatim.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// ArkivConfig points at the entity-store RPC endpoint.
type ArkivConfig struct {
	RPCURL  string
	Timeout time.Duration
}

// Enabled reports whether an entity-store endpoint was configured.
func (c ArkivConfig) Enabled() bool {
	return c.RPCURL != ""
}

func loadArkivConfig() ArkivConfig {
	return ArkivConfig{
		RPCURL:  strings.TrimSpace(os.Getenv("ARKIV_RPC_URL")),
		Timeout: 15 * time.Second,
	}
}

// ChannelConfig describes the encrypted pairwise transport gateway.
type ChannelConfig struct {
	GatewayURL   string
	DialRetries  int
	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// Enabled reports whether a transport gateway was configured.
func (c ChannelConfig) Enabled() bool {
	return c.GatewayURL != ""
}

func loadChannelConfig() (ChannelConfig, error) {
	retries := 3
	if override, err := parseOptionalIntEnv("CHANNEL_DIAL_RETRIES"); err != nil {
		return ChannelConfig{}, err
	} else if override != nil && *override > 0 {
		retries = *override
	}

	return ChannelConfig{
		GatewayURL:   strings.TrimSpace(os.Getenv("CHANNEL_GATEWAY_URL")),
		DialRetries:  retries,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  60 * time.Second,
	}, nil
}

// AIConfig describes the assistant model.
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled reports whether the required model credentials were provided.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel builds a model instance from the configuration.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("assistant credentials missing: provide ARK_API_KEY + ARK_MODEL or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

// VerifyConfig describes the cross-chain verification indexer.
type VerifyConfig struct {
	IndexerURL   string
	PollInterval time.Duration
	PollBudget   time.Duration
}

// Enabled reports whether an indexer endpoint was configured.
func (c VerifyConfig) Enabled() bool {
	return c.IndexerURL != ""
}

func loadVerifyConfig() (VerifyConfig, error) {
	interval := 3
	if override, err := parseOptionalIntEnv("VERIFY_POLL_INTERVAL_SECONDS"); err != nil {
		return VerifyConfig{}, err
	} else if override != nil && *override > 0 {
		interval = *override
	}

	budget := 30
	if override, err := parseOptionalIntEnv("VERIFY_POLL_BUDGET_SECONDS"); err != nil {
		return VerifyConfig{}, err
	} else if override != nil && *override > 0 {
		budget = *override
	}

	return VerifyConfig{
		IndexerURL:   strings.TrimSpace(os.Getenv("VERIFY_INDEXER_URL")),
		PollInterval: time.Duration(interval) * time.Second,
		PollBudget:   time.Duration(budget) * time.Second,
	}, nil
}

// StoreConfig locates the durable per-account local state.
type StoreConfig struct {
	Path string
}

func loadStoreConfig() StoreConfig {
	return StoreConfig{
		Path: getEnvOrDefault("LOCAL_STORE_PATH", "psychat.db"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
