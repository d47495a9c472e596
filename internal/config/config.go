package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "TREECOMMENTS"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = DriverSQLite
	defaultDatabaseDSN        = "treecomments.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultCookieName         = "app_session"
	defaultAuthIssuer         = "tauth"
	defaultMaxLength          = 3000
	defaultTokenMaxAge        = 7 * 24 * time.Hour
	defaultFormMaxAge         = 2 * time.Hour
	defaultDuplicateWindow    = time.Minute
	defaultHookTimeout        = 5 * time.Second
	defaultEditCooldown       = 24 * time.Hour
	defaultSiteID             = 1
	defaultReportThreshold    = 3
	defaultCacheTTL           = 10 * time.Minute
	defaultMaxThreadDepth     = 0
	defaultSMTPPort           = "587"
	defaultMailFromName       = "Comments"
	capabilityDefaultsKey     = "capabilities.default"
	capabilityOverridesKey    = "capabilities.overrides"
	targetTemplatesKey        = "targets"
	listSeparators            = ", \t\n"
	minimumSecretKeyByteCount = 16
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	Database       DatabaseConfig
	Log            LogConfig
	Comments       CommentsConfig
	Capabilities   CapabilitiesConfig
	Targets        []TargetConfig
	Auth           AuthConfig
	Mail           MailConfig
	RedisURL       string
	CacheTTL       time.Duration
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver string
	DSN    string
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string
	Format string
}

// CommentsConfig carries the submission and moderation settings. A zero
// EditCooldown leaves owner edits open indefinitely.
type CommentsConfig struct {
	SecretKey         string
	Salt              string
	ConfirmEmail      bool
	RequireModeration bool
	MaxLength         int
	TokenMaxAge       time.Duration
	FormMaxAge        time.Duration
	DuplicateWindow   time.Duration
	HookTimeout       time.Duration
	EditCooldown      time.Duration
	SiteID            int64
	ReportThreshold   int64
	Markups           []string
	// BaseURL prefixes the links sent in confirmation mail.
	BaseURL string
}

// CapabilityConfig is one capability record as written in configuration.
type CapabilityConfig struct {
	ContentType    string `mapstructure:"content_type"`
	AllowFlagging  bool   `mapstructure:"allow_flagging"`
	AllowFeedback  bool   `mapstructure:"allow_feedback"`
	ShowFeedback   bool   `mapstructure:"show_feedback"`
	MaxThreadDepth int    `mapstructure:"max_thread_depth"`
	FlattenAtMax   bool   `mapstructure:"flatten_at_max"`
}

// CapabilitiesConfig holds the default record and the per-content-type overrides.
type CapabilitiesConfig struct {
	Default   CapabilityConfig
	Overrides []CapabilityConfig
}

// TargetConfig registers a commentable content type.
type TargetConfig struct {
	ContentType string `mapstructure:"content_type"`
	Title       string `mapstructure:"title"`
	URL         string `mapstructure:"url"`
}

// AuthConfig configures TAuth session validation. An empty signing secret
// disables authentication; every commenter is then anonymous. Signed-in users
// skip email confirmation unless TrustedRoles narrows it to those roles.
type AuthConfig struct {
	SigningSecret  string
	Issuer         string
	CookieName     string
	TrustedRoles   []string
	ModeratorRoles []string
}

// Enabled reports whether session validation is configured.
func (a AuthConfig) Enabled() bool {
	return strings.TrimSpace(a.SigningSecret) != ""
}

// MailConfig configures SMTP delivery and moderator addresses.
type MailConfig struct {
	Host       string
	Port       string
	Username   string
	Password   string
	From       string
	FromName   string
	Moderators []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)

	configViper.SetDefault("comments.secret_key", "")
	configViper.SetDefault("comments.salt", "")
	configViper.SetDefault("comments.confirm_email", true)
	configViper.SetDefault("comments.require_moderation", false)
	configViper.SetDefault("comments.max_length", defaultMaxLength)
	configViper.SetDefault("comments.token_max_age", defaultTokenMaxAge)
	configViper.SetDefault("comments.form_max_age", defaultFormMaxAge)
	configViper.SetDefault("comments.duplicate_window", defaultDuplicateWindow)
	configViper.SetDefault("comments.hook_timeout", defaultHookTimeout)
	configViper.SetDefault("comments.edit_cooldown", defaultEditCooldown)
	configViper.SetDefault("comments.site_id", defaultSiteID)
	configViper.SetDefault("comments.report_threshold", defaultReportThreshold)
	configViper.SetDefault("comments.markups", []string{})
	configViper.SetDefault("comments.base_url", "")

	configViper.SetDefault(capabilityDefaultsKey+".allow_flagging", false)
	configViper.SetDefault(capabilityDefaultsKey+".allow_feedback", false)
	configViper.SetDefault(capabilityDefaultsKey+".show_feedback", false)
	configViper.SetDefault(capabilityDefaultsKey+".max_thread_depth", defaultMaxThreadDepth)
	configViper.SetDefault(capabilityDefaultsKey+".flatten_at_max", false)

	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.trusted_roles", []string{})
	configViper.SetDefault("auth.moderator_roles", []string{})

	configViper.SetDefault("mail.host", "")
	configViper.SetDefault("mail.port", defaultSMTPPort)
	configViper.SetDefault("mail.username", "")
	configViper.SetDefault("mail.password", "")
	configViper.SetDefault("mail.from", "")
	configViper.SetDefault("mail.from_name", defaultMailFromName)
	configViper.SetDefault("mail.moderators", []string{})

	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("cache.ttl", defaultCacheTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: stringList(configViper, "http.allowed_origins"),
		Database: DatabaseConfig{
			Driver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			DSN:    configViper.GetString("database.dsn"),
		},
		Log: LogConfig{
			Level:  configViper.GetString("log.level"),
			Format: configViper.GetString("log.format"),
		},
		Comments: CommentsConfig{
			SecretKey:         configViper.GetString("comments.secret_key"),
			Salt:              configViper.GetString("comments.salt"),
			ConfirmEmail:      configViper.GetBool("comments.confirm_email"),
			RequireModeration: configViper.GetBool("comments.require_moderation"),
			MaxLength:         configViper.GetInt("comments.max_length"),
			TokenMaxAge:       configViper.GetDuration("comments.token_max_age"),
			FormMaxAge:        configViper.GetDuration("comments.form_max_age"),
			DuplicateWindow:   configViper.GetDuration("comments.duplicate_window"),
			HookTimeout:       configViper.GetDuration("comments.hook_timeout"),
			EditCooldown:      configViper.GetDuration("comments.edit_cooldown"),
			SiteID:            configViper.GetInt64("comments.site_id"),
			ReportThreshold:   configViper.GetInt64("comments.report_threshold"),
			Markups:           stringList(configViper, "comments.markups"),
			BaseURL:           configViper.GetString("comments.base_url"),
		},
		Auth: AuthConfig{
			SigningSecret:  configViper.GetString("auth.signing_secret"),
			Issuer:         configViper.GetString("auth.issuer"),
			CookieName:     configViper.GetString("auth.cookie_name"),
			TrustedRoles:   stringList(configViper, "auth.trusted_roles"),
			ModeratorRoles: stringList(configViper, "auth.moderator_roles"),
		},
		Mail: MailConfig{
			Host:       configViper.GetString("mail.host"),
			Port:       configViper.GetString("mail.port"),
			Username:   configViper.GetString("mail.username"),
			Password:   configViper.GetString("mail.password"),
			From:       configViper.GetString("mail.from"),
			FromName:   configViper.GetString("mail.from_name"),
			Moderators: stringList(configViper, "mail.moderators"),
		},
		RedisURL: configViper.GetString("redis.url"),
		CacheTTL: configViper.GetDuration("cache.ttl"),
	}

	cfg.Capabilities.Default = CapabilityConfig{
		AllowFlagging:  configViper.GetBool(capabilityDefaultsKey + ".allow_flagging"),
		AllowFeedback:  configViper.GetBool(capabilityDefaultsKey + ".allow_feedback"),
		ShowFeedback:   configViper.GetBool(capabilityDefaultsKey + ".show_feedback"),
		MaxThreadDepth: configViper.GetInt(capabilityDefaultsKey + ".max_thread_depth"),
		FlattenAtMax:   configViper.GetBool(capabilityDefaultsKey + ".flatten_at_max"),
	}
	if err := configViper.UnmarshalKey(capabilityOverridesKey, &cfg.Capabilities.Overrides); err != nil {
		return AppConfig{}, fmt.Errorf("%s: %w", capabilityOverridesKey, err)
	}
	if err := configViper.UnmarshalKey(targetTemplatesKey, &cfg.Targets); err != nil {
		return AppConfig{}, fmt.Errorf("%s: %w", targetTemplatesKey, err)
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if len(strings.TrimSpace(c.Comments.SecretKey)) < minimumSecretKeyByteCount {
		return fmt.Errorf("comments.secret_key must be at least %d characters", minimumSecretKeyByteCount)
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Comments.SiteID <= 0 {
		return fmt.Errorf("comments.site_id must be positive")
	}
	if c.Comments.MaxLength <= 0 {
		return fmt.Errorf("comments.max_length must be positive")
	}
	if c.Comments.EditCooldown < 0 {
		return fmt.Errorf("comments.edit_cooldown must not be negative")
	}
	if c.Comments.ConfirmEmail && strings.TrimSpace(c.Comments.BaseURL) == "" {
		return fmt.Errorf("comments.base_url is required when comments.confirm_email is enabled")
	}
	if c.Auth.Enabled() && strings.TrimSpace(c.Auth.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	for index, target := range c.Targets {
		if strings.TrimSpace(target.ContentType) == "" {
			return fmt.Errorf("targets[%d].content_type is required", index)
		}
	}
	for index, override := range c.Capabilities.Overrides {
		if strings.TrimSpace(override.ContentType) == "" {
			return fmt.Errorf("%s[%d].content_type is required", capabilityOverridesKey, index)
		}
	}
	return nil
}

// stringList reads a list either from a config file sequence or from a
// comma or space separated environment value.
func stringList(configViper *viper.Viper, key string) []string {
	var values []string
	for _, raw := range configViper.GetStringSlice(key) {
		values = append(values, strings.FieldsFunc(raw, func(r rune) bool {
			return strings.ContainsRune(listSeparators, r)
		})...)
	}
	return values
}
