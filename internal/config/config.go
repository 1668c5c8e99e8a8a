// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. DOCFIX_LLM_API_KEY.
const EnvPrefix = "DOCFIX"

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Portal   PortalConfig   `mapstructure:"portal" yaml:"portal"`
	Editor   EditorConfig   `mapstructure:"editor" yaml:"editor"`
	Resolver ResolverConfig `mapstructure:"resolver" yaml:"resolver"`
	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	Mail     MailConfig     `mapstructure:"mail" yaml:"mail"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Archive  ArchiveConfig  `mapstructure:"archive" yaml:"archive"`
	Network  NetworkConfig  `mapstructure:"network" yaml:"network"`
}

// LoggerConfig defines all the settings for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color settings for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the Chrome instance that drives the portal.
type BrowserConfig struct {
	Headless      bool          `mapstructure:"headless" yaml:"headless"`
	ExecPath      string        `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir   string        `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	Args          []string      `mapstructure:"args" yaml:"args"`
	ActionTimeout time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	Debug         bool          `mapstructure:"debug" yaml:"debug"`
}

// PortalConfig covers the Help Portal page that carries the reviewer comments.
type PortalConfig struct {
	BaseURL         string        `mapstructure:"base_url" yaml:"base_url"`
	PageLoadTimeout time.Duration `mapstructure:"page_load_timeout" yaml:"page_load_timeout"`
	CommentSettle   time.Duration `mapstructure:"comment_settle" yaml:"comment_settle"`
	ContextWindow   int           `mapstructure:"context_window" yaml:"context_window"`
	FetchOffsets    bool          `mapstructure:"fetch_offsets" yaml:"fetch_offsets"`
}

// EditorConfig covers the web XML editor the topic source is edited in.
type EditorConfig struct {
	LoadTimeout     time.Duration `mapstructure:"load_timeout" yaml:"load_timeout"`
	EditModeTimeout time.Duration `mapstructure:"edit_mode_timeout" yaml:"edit_mode_timeout"`
	XMLViewTimeout  time.Duration `mapstructure:"xml_view_timeout" yaml:"xml_view_timeout"`
	CheckInTimeout  time.Duration `mapstructure:"check_in_timeout" yaml:"check_in_timeout"`
	AuthServer      string        `mapstructure:"auth_server" yaml:"auth_server"`
}

// ResolverConfig tunes the element-targeting algorithm.
type ResolverConfig struct {
	AncestorDepth       int     `mapstructure:"ancestor_depth" yaml:"ancestor_depth"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	IdentifierAttr      string  `mapstructure:"identifier_attr" yaml:"identifier_attr"`
	IndirectionAttr     string  `mapstructure:"indirection_attr" yaml:"indirection_attr"`
	LinkTag             string  `mapstructure:"link_tag" yaml:"link_tag"`
	ListItemTag         string  `mapstructure:"list_item_tag" yaml:"list_item_tag"`
	UseOffsets          bool    `mapstructure:"use_offsets" yaml:"use_offsets"`
}

// LLMConfig configures the model that rewrites fragments.
type LLMConfig struct {
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"`
	Temperature       float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens         int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	APITimeout        time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// MailConfig configures the maildrop that notification messages are read from.
type MailConfig struct {
	Dir           string `mapstructure:"dir" yaml:"dir"`
	SubjectFilter string `mapstructure:"subject_filter" yaml:"subject_filter"`
	DoneDir       string `mapstructure:"done_dir" yaml:"done_dir"`
}

// DatabaseConfig holds the connection string for the outcome ledger. An empty URL
// keeps the ledger in memory.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// PipelineConfig tunes the per-comment automation loop.
type PipelineConfig struct {
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	ItemDelay              time.Duration `mapstructure:"item_delay" yaml:"item_delay"`
	SummaryDir             string        `mapstructure:"summary_dir" yaml:"summary_dir"`
	DryRun                 bool          `mapstructure:"dry_run" yaml:"dry_run"`
}

// ArchiveConfig describes the GitHub repository local content folders are uploaded to.
type ArchiveConfig struct {
	Token     string `mapstructure:"token" yaml:"token"`
	RepoOwner string `mapstructure:"repo_owner" yaml:"repo_owner"`
	RepoName  string `mapstructure:"repo_name" yaml:"repo_name"`
	Branch    string `mapstructure:"branch" yaml:"branch"`
}

// NetworkConfig covers outbound HTTP to the model and GitHub APIs.
type NetworkConfig struct {
	ProxyURL        string `mapstructure:"proxy_url" yaml:"proxy_url"`
	IgnoreTLSErrors bool   `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "docfix")
	v.SetDefault("logger.log_file", "docfix.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.action_timeout", "60s")
	v.SetDefault("browser.debug", false)

	// -- Portal --
	v.SetDefault("portal.base_url", "https://help.sap.com/")
	v.SetDefault("portal.page_load_timeout", "120s")
	v.SetDefault("portal.comment_settle", "3s")
	v.SetDefault("portal.context_window", 50)
	v.SetDefault("portal.fetch_offsets", false)

	// -- Editor --
	v.SetDefault("editor.load_timeout", "45s")
	v.SetDefault("editor.edit_mode_timeout", "20s")
	v.SetDefault("editor.xml_view_timeout", "60s")
	v.SetDefault("editor.check_in_timeout", "90s")
	v.SetDefault("editor.auth_server", "YOUR AUTHENTICATION SERVER")

	// -- Resolver --
	v.SetDefault("resolver.ancestor_depth", 2)
	v.SetDefault("resolver.confidence_threshold", 0.5)
	v.SetDefault("resolver.identifier_attr", "data-id")
	v.SetDefault("resolver.indirection_attr", "conkeyref")
	v.SetDefault("resolver.link_tag", "xref")
	v.SetDefault("resolver.list_item_tag", "li")
	v.SetDefault("resolver.use_offsets", false)

	// -- LLM --
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 8192)
	v.SetDefault("llm.api_timeout", "2m")
	v.SetDefault("llm.requests_per_minute", 10.0)

	// -- Mail --
	v.SetDefault("mail.dir", "~/docfix/inbox")
	v.SetDefault("mail.subject_filter", "SAP Help Portal: Comment Notification")

	// -- Pipeline --
	v.SetDefault("pipeline.max_consecutive_failures", 3)
	v.SetDefault("pipeline.item_delay", "5s")
	v.SetDefault("pipeline.summary_dir", ".")
	v.SetDefault("pipeline.dry_run", false)

	// -- Archive --
	v.SetDefault("archive.branch", "main")

	// -- Network --
	v.SetDefault("network.proxy_url", "")
	v.SetDefault("network.ignore_tls_errors", false)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets are commonly supplied through the environment only.
	_ = v.BindEnv("llm.api_key", EnvPrefix+"_LLM_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL")
	_ = v.BindEnv("archive.token", EnvPrefix+"_ARCHIVE_TOKEN", "GITHUB_TOKEN")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Load reads an optional config file plus environment overrides into a Config.
// An empty path searches the working directory for config.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return NewConfigFromViper(v)
}

// expandPaths resolves "~" in every user supplied path.
func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Logger.LogFile, &c.Browser.UserDataDir, &c.Browser.ExecPath, &c.Mail.Dir, &c.Mail.DoneDir, &c.Pipeline.SummaryDir} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Resolver.AncestorDepth < 0 {
		return fmt.Errorf("resolver.ancestor_depth must not be negative")
	}
	if c.Resolver.ConfidenceThreshold <= 0 || c.Resolver.ConfidenceThreshold >= 1 {
		return fmt.Errorf("resolver.confidence_threshold must be between 0 and 1 (exclusive)")
	}
	if c.Pipeline.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("pipeline.max_consecutive_failures must be a positive integer")
	}
	if c.LLM.RequestsPerMinute < 0 {
		return fmt.Errorf("llm.requests_per_minute must not be negative")
	}
	return nil
}

// ValidateForRun checks the settings only the live automation needs.
func (c *Config) ValidateForRun() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required; set %s_LLM_API_KEY or GEMINI_API_KEY", EnvPrefix)
	}
	if c.Mail.Dir == "" {
		return fmt.Errorf("mail.dir is required")
	}
	if _, err := os.Stat(c.Mail.Dir); err != nil {
		return fmt.Errorf("mail.dir %q is not accessible: %w", c.Mail.Dir, err)
	}
	return nil
}

// Validate checks the archive settings needed for an upload.
func (a *ArchiveConfig) Validate() error {
	if a.RepoOwner == "" || a.RepoName == "" {
		return fmt.Errorf("archive.repo_owner and archive.repo_name are required")
	}
	if a.Token == "" {
		return fmt.Errorf("GitHub token is required but not found. Ensure %s_ARCHIVE_TOKEN is set", EnvPrefix)
	}
	return nil
}
