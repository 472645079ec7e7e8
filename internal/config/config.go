package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath = "XIAORUI_CONFIG"
	EnvAPIKey     = "XIAORUI_API_KEY"
	EnvDeepSeek   = "DEEPSEEK_API_KEY"
	EnvLogLevel   = "XIAORUI_LOG_LEVEL"
	EnvRedisAddr  = "XIAORUI_REDIS_ADDR"

	defaultConfigPath = "config.json"
)

// ErrMissingAPIKey is returned by Validate when the completion provider has no key.
var ErrMissingAPIKey = errors.New("completion api key is not configured")

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Completion  CompletionConfig          `json:"completion" yaml:"completion"`
	Knowledge   KnowledgeConfig           `json:"knowledge" yaml:"knowledge"`
	Assistant   AssistantConfig           `json:"assistant" yaml:"assistant"`
	Log         LogConfig                 `json:"log" yaml:"log"`
}

type BasicConfig struct {
	ServerAddress    string `json:"server_address" yaml:"server_address"`
	DBType           string `json:"db_type" yaml:"db_type"`
	ConversationsDir string `json:"conversations_dir" yaml:"conversations_dir"`
	TokenTTLHours    int    `json:"token_ttl_hours" yaml:"token_ttl_hours"`
	QueueSize        int    `json:"queue_size" yaml:"queue_size"`
	LaneIdleMinutes  int    `json:"lane_idle_minutes" yaml:"lane_idle_minutes"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

// RedisConfig is optional; an empty Host disables every redis-backed cache.
type RedisConfig struct {
	Host            string `json:"host" yaml:"host"`
	Port            int    `json:"port" yaml:"port"`
	Username        string `json:"username" yaml:"username"`
	Password        string `json:"password" yaml:"password"`
	DB              int    `json:"db" yaml:"db"`
	CacheTTLMinutes int    `json:"cache_ttl_minutes" yaml:"cache_ttl_minutes"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

type CompletionConfig struct {
	Provider       string  `json:"provider" yaml:"provider"`
	Temperature    float32 `json:"temperature" yaml:"temperature"`
	MaxTokens      int     `json:"max_tokens" yaml:"max_tokens"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
}

type KnowledgeConfig struct {
	CorpusDir      string `json:"corpus_dir" yaml:"corpus_dir"`
	IndexPath      string `json:"index_path" yaml:"index_path"`
	OllamaHost     string `json:"ollama_host" yaml:"ollama_host"`
	EmbeddingModel string `json:"embedding_model" yaml:"embedding_model"`
	TopK           int    `json:"top_k" yaml:"top_k"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	SnapshotRunes  int    `json:"snapshot_runes" yaml:"snapshot_runes"`
	// Required makes a missing index fatal at startup.
	Required bool `json:"required" yaml:"required"`
}

type AssistantConfig struct {
	Name         string `json:"name" yaml:"name"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
	Greeting     string `json:"greeting" yaml:"greeting"`
	DefaultTitle string `json:"default_title" yaml:"default_title"`
	// TitleFormat receives the conversation count after insertion.
	TitleFormat  string `json:"title_format" yaml:"title_format"`
	FailureReply string `json:"failure_reply" yaml:"failure_reply"`
	AutoTitle    bool   `json:"auto_title" yaml:"auto_title"`
}

type LogConfig struct {
	File  string `json:"file" yaml:"file"`
	Level string `json:"level" yaml:"level"`
}

const defaultSystemPrompt = `你是一个锐瞳智能科技公司的智能助手，名字叫小锐，用第一人称与用户沟通。
你既能回答公司相关问题，也能回答任何学科问题。
当用户消息中附带[内部信息：...]时，参考这些信息自然回答（不要引用原文）。
其他问题直接用你的知识回答。
例如：用户问“你是谁”，回答“我是小锐，来自锐瞳智能科技。”
保持语气友好、专业、流畅。`

var defaultProviders = map[string]ProviderConfig{
	"deepseek": {BaseURL: "https://api.deepseek.com/v1", Model: "deepseek-chat"},
	"openai":   {BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini"},
	"claude":   {Model: "claude-3-5-haiku-latest"},
	"gemini":   {Model: "gemini-2.0-flash"},
}

// Default returns the built-in configuration.
func Default() *Config {
	providers := make(map[string]ProviderConfig, len(defaultProviders))
	for name, p := range defaultProviders {
		providers[name] = p
	}
	return &Config{
		BasicConfig: BasicConfig{
			ServerAddress:    ":8090",
			DBType:           "sqlite3",
			ConversationsDir: "./conversations",
			TokenTTLHours:    24,
			QueueSize:        16,
			LaneIdleMinutes:  10,
		},
		Databases: map[string]DatabaseConfig{
			"sqlite3": {DSN: "./data/xiaorui.db"},
		},
		Redis: RedisConfig{
			Port:            6379,
			CacheTTLMinutes: 30,
		},
		Providers: providers,
		Completion: CompletionConfig{
			Provider:       "deepseek",
			Temperature:    0.7,
			MaxTokens:      800,
			TimeoutSeconds: 30,
		},
		Knowledge: KnowledgeConfig{
			CorpusDir:      "./knowledge",
			IndexPath:      "./models/ruitongkeji/index.db",
			OllamaHost:     "http://localhost:11434",
			EmbeddingModel: "all-minilm:l6-v2",
			TopK:           3,
			TimeoutSeconds: 30,
			SnapshotRunes:  4000,
			Required:       true,
		},
		Assistant: AssistantConfig{
			Name:         "小锐",
			SystemPrompt: defaultSystemPrompt,
			Greeting:     "你好！我是小锐，有什么可以帮助你？",
			DefaultTitle: "新对话",
			TitleFormat:  "对话 %d",
			FailureReply: "抱歉，小锐暂时无法连接到服务，请稍后再试。",
		},
		Log: LogConfig{
			File:  "./data/xiaorui.log",
			Level: "info",
		},
	}
}

// Load reads configuration from the provided path. An empty path falls back to
// $XIAORUI_CONFIG and then config.json; a missing default file yields the
// built-in defaults. Files ending in .yaml or .yml are decoded as YAML.
func Load(path string) (*Config, error) {
	explicit := true
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = defaultConfigPath
		explicit = false
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := Default()
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		switch strings.ToLower(filepath.Ext(absPath)) {
		case ".yaml", ".yml":
			err = yaml.NewDecoder(file).Decode(cfg)
		default:
			err = json.NewDecoder(file).Decode(cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	cfg.fillProviderDefaults()
	cfg.applyEnv()
	cfg.resolvePaths(filepath.Dir(absPath))
	return cfg, nil
}

// Validate reports configuration errors that must stop the server.
func (c *Config) Validate() error {
	name := c.Completion.Provider
	p, ok := c.Providers[name]
	if !ok {
		return fmt.Errorf("completion provider %q not configured", name)
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return fmt.Errorf("%w (set %s or providers.%s.api_key)", ErrMissingAPIKey, EnvDeepSeek, name)
	}
	if p.Model == "" {
		return fmt.Errorf("providers.%s.model must be configured", name)
	}
	if c.Completion.MaxTokens <= 0 {
		return errors.New("completion.max_tokens must be positive")
	}
	if c.Completion.Temperature < 0 || c.Completion.Temperature > 2 {
		return errors.New("completion.temperature must be within [0, 2]")
	}
	if c.BasicConfig.ConversationsDir == "" {
		return errors.New("basic_config.conversations_dir must be configured")
	}
	return nil
}

// Provider returns the configuration of the active completion provider.
func (c *Config) Provider() ProviderConfig {
	return c.Providers[c.Completion.Provider]
}

// TokenTTL is the lifetime of issued auth tokens.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.BasicConfig.TokenTTLHours) * time.Hour
}

// LaneIdle is how long an idle per-user lane is kept alive.
func (c *Config) LaneIdle() time.Duration {
	return time.Duration(c.BasicConfig.LaneIdleMinutes) * time.Minute
}

// CacheTTL is the lifetime of redis cache entries.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Redis.CacheTTLMinutes) * time.Minute
}

func (c *Config) fillProviderDefaults() {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for name, def := range defaultProviders {
		p := c.Providers[name]
		if p.BaseURL == "" {
			p.BaseURL = def.BaseURL
		}
		if p.Model == "" {
			p.Model = def.Model
		}
		c.Providers[name] = p
	}
}

func (c *Config) applyEnv() {
	if key := os.Getenv(EnvDeepSeek); key != "" {
		p := c.Providers["deepseek"]
		p.APIKey = key
		c.Providers["deepseek"] = p
	}
	if key := os.Getenv(EnvAPIKey); key != "" {
		p := c.Providers[c.Completion.Provider]
		p.APIKey = key
		c.Providers[c.Completion.Provider] = p
	}
	if lvl := os.Getenv(EnvLogLevel); lvl != "" {
		c.Log.Level = lvl
	}
	if addr := os.Getenv(EnvRedisAddr); addr != "" {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			c.Redis.Host = addr
			return
		}
		c.Redis.Host = host
		if port, err := strconv.Atoi(portStr); err == nil {
			c.Redis.Port = port
		}
	}
}

func (c *Config) resolvePaths(base string) {
	resolve := func(p *string) {
		if *p == "" || filepath.IsAbs(*p) {
			return
		}
		*p = filepath.Join(base, *p)
	}
	resolve(&c.BasicConfig.ConversationsDir)
	resolve(&c.Knowledge.CorpusDir)
	resolve(&c.Knowledge.IndexPath)
	resolve(&c.Log.File)
	for _, name := range []string{"sqlite", "sqlite3"} {
		db, ok := c.Databases[name]
		if !ok || db.DSN == ":memory:" || strings.HasPrefix(db.DSN, "file:") {
			continue
		}
		resolve(&db.DSN)
		c.Databases[name] = db
	}
}
