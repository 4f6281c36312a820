package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/hpharmsen/ainews/internal/core"
)

// Config holds all application configuration
type Config struct {
	App        App        `mapstructure:"app"`
	AI         AI         `mapstructure:"ai"`
	Mailbox    Mailbox    `mapstructure:"mailbox"`
	SMTP       SMTP       `mapstructure:"smtp"`
	Database   Database   `mapstructure:"database"`
	Newsletter Newsletter `mapstructure:"newsletter"`
	Curation   Curation   `mapstructure:"curation"`
	Visual     Visual     `mapstructure:"visual"`
	Delivery   Delivery   `mapstructure:"delivery"`
	Bounce     Bounce     `mapstructure:"bounce"`
	Upload     Upload     `mapstructure:"upload"`
	Logging    Logging    `mapstructure:"logging"`
}

// App holds general application configuration
type App struct {
	DataDir    string `mapstructure:"data_dir"`
	ConfigFile string `mapstructure:"config_file"`
}

// AI holds generative model configuration
type AI struct {
	Gemini GeminiConfig `mapstructure:"gemini"`
	OpenAI OpenAIConfig `mapstructure:"openai"`
}

// GeminiConfig holds Google Gemini configuration
type GeminiConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Temperature float32       `mapstructure:"temperature"`
}

// OpenAIConfig holds the image generation endpoint configuration.
// ReferenceModel is used instead of ImageModel when style references are attached.
type OpenAIConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	ImageModel     string        `mapstructure:"image_model"`
	ReferenceModel string        `mapstructure:"reference_model"`
	ImageSize      string        `mapstructure:"image_size"`
	Quality        string        `mapstructure:"quality"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// Mailbox holds IMAP configuration for the account that receives the news mails
type Mailbox struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Label      string `mapstructure:"label"`
	Inbox      string `mapstructure:"inbox"`
	SentFolder string `mapstructure:"sent_folder"`
}

// Address returns host:port for dialing.
func (m Mailbox) Address() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// SMTP holds outgoing mail configuration
type SMTP struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Database holds the Postgres connection and the names of the consumed tables
type Database struct {
	URL              string        `mapstructure:"url"`
	IssuesTable      string        `mapstructure:"issues_table"`
	SubscribersTable string        `mapstructure:"subscribers_table"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
}

// Newsletter holds presentation and addressing settings
type Newsletter struct {
	Name           string   `mapstructure:"name"`
	Language       string   `mapstructure:"language"`
	Timezone       string   `mapstructure:"timezone"`
	Intro          string   `mapstructure:"intro"`
	FromName       string   `mapstructure:"from_name"`
	FromAddress    string   `mapstructure:"from_address"`
	ReplyTo        string   `mapstructure:"reply_to"`
	MessageDomain  string   `mapstructure:"message_domain"`
	UnsubscribeURL string   `mapstructure:"unsubscribe_url"`
	SwitchURL      string   `mapstructure:"switch_url"`
	LogoURL        string   `mapstructure:"logo_url"`
	Operators      []string `mapstructure:"operators"`
}

// Curation holds ingestion and ranking limits
type Curation struct {
	MaxMessageChars int           `mapstructure:"max_message_chars"`
	MaxTotalChars   int           `mapstructure:"max_total_chars"`
	DedupeIssues    int           `mapstructure:"dedupe_issues"`
	DailyMin        int           `mapstructure:"daily_min"`
	DailyMax        int           `mapstructure:"daily_max"`
	WeeklyMin       int           `mapstructure:"weekly_min"`
	WeeklyMax       int           `mapstructure:"weekly_max"`
	Attempts        int           `mapstructure:"attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	LinkTimeout     time.Duration `mapstructure:"link_timeout"`
}

// Bounds returns the article-count window for a schedule.
func (c Curation) Bounds(s core.Schedule) core.Bounds {
	if s == core.Weekly {
		return core.Bounds{Min: c.WeeklyMin, Max: c.WeeklyMax}
	}
	return core.Bounds{Min: c.DailyMin, Max: c.DailyMax}
}

// Visual holds image selection and generation configuration
type Visual struct {
	Style             string        `mapstructure:"style"`
	StyleReferences   []string      `mapstructure:"style_references"`
	SelectionAttempts int           `mapstructure:"selection_attempts"`
	SelectionDelay    time.Duration `mapstructure:"selection_delay"`
	ImageAttempts     int           `mapstructure:"image_attempts"`
	TimeoutDelay      time.Duration `mapstructure:"timeout_delay"`
	ErrorDelay        time.Duration `mapstructure:"error_delay"`
	Width             int           `mapstructure:"width"`
	Height            int           `mapstructure:"height"`
	InfographicWidth  int           `mapstructure:"infographic_width"`
}

// Delivery holds batch sending configuration
type Delivery struct {
	BatchSize      int           `mapstructure:"batch_size"`
	BatchPause     time.Duration `mapstructure:"batch_pause"`
	SendsPerSecond float64       `mapstructure:"sends_per_second"`
	CleanupDelay   time.Duration `mapstructure:"cleanup_delay"`
	BounceDelay    time.Duration `mapstructure:"bounce_delay"`
}

// Bounce holds delivery-failure reconciliation configuration
type Bounce struct {
	Senders   []string `mapstructure:"senders"`
	Threshold int      `mapstructure:"threshold"`
	// ReviewFolder receives notices whose recipient could not be identified.
	// Empty leaves them in the inbox.
	ReviewFolder string `mapstructure:"review_folder"`
}

// Upload holds object storage configuration for generated images
type Upload struct {
	Bucket   string        `mapstructure:"bucket"`
	Region   string        `mapstructure:"region"`
	Prefix   string        `mapstructure:"prefix"`
	BaseURL  string        `mapstructure:"base_url"`
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

// Logging holds logging configuration
type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads the configuration from .env, an optional YAML file and the environment.
func Load(configFile string) (*Config, error) {
	// Load .env file if it exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Overload(".env"); err != nil {
			return nil, errors.Wrap(err, "loading .env")
		}
	}

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
		v.SetConfigName(".ainews")
		v.SetConfigType("yaml")
	}

	setDefaults(v)
	if err := bindEnvironmentVariables(v); err != nil {
		return nil, err
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}
	config.App.ConfigFile = v.ConfigFileUsed()

	if err := postProcessConfig(config); err != nil {
		return nil, errors.Wrap(err, "post-processing config")
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.data_dir", "data")

	v.SetDefault("ai.gemini.model", "gemini-2.5-flash")
	v.SetDefault("ai.gemini.timeout", "5m")
	v.SetDefault("ai.gemini.temperature", 0.4)
	v.SetDefault("ai.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("ai.openai.image_model", "gpt-image-1")
	v.SetDefault("ai.openai.reference_model", "gpt-5")
	v.SetDefault("ai.openai.image_size", "1536x1024")
	v.SetDefault("ai.openai.quality", "high")
	v.SetDefault("ai.openai.timeout", "4m")

	v.SetDefault("mailbox.host", "imap.gmail.com")
	v.SetDefault("mailbox.port", 993)
	v.SetDefault("mailbox.label", "ai_news")
	v.SetDefault("mailbox.inbox", "INBOX")
	v.SetDefault("mailbox.sent_folder", "[Gmail]/Sent Mail")

	v.SetDefault("smtp.port", 587)

	v.SetDefault("database.issues_table", "nieuwsbrief_newsletter")
	v.SetDefault("database.subscribers_table", "nieuwsbrief_subscriber")
	v.SetDefault("database.connect_timeout", "10s")

	v.SetDefault("newsletter.name", "HP's AI")
	v.SetDefault("newsletter.language", "Dutch")
	v.SetDefault("newsletter.timezone", "Europe/Amsterdam")
	v.SetDefault("newsletter.intro", "Actueel, concreet en to-the-point")
	v.SetDefault("newsletter.from_name", "HP's AI nieuwsbrief")
	v.SetDefault("newsletter.from_address", "nieuwsbrief@harmsen.nl")
	v.SetDefault("newsletter.reply_to", "nieuwsbrief@harmsen.nl")
	v.SetDefault("newsletter.message_domain", "harmsen.nl")
	v.SetDefault("newsletter.unsubscribe_url", "https://harmsen.nl/nieuwsbrief/afmelden/")
	v.SetDefault("newsletter.switch_url", "https://harmsen.nl/nieuwsbrief/")
	v.SetDefault("newsletter.logo_url", "https://s3.eu-west-1.amazonaws.com/harmsen.nl/nieuwsbrief/logo_120.png")

	v.SetDefault("curation.max_message_chars", 12000)
	v.SetDefault("curation.max_total_chars", 250000)
	v.SetDefault("curation.dedupe_issues", 5)
	v.SetDefault("curation.daily_min", 4)
	v.SetDefault("curation.daily_max", 6)
	v.SetDefault("curation.weekly_min", 4)
	v.SetDefault("curation.weekly_max", 8)
	v.SetDefault("curation.attempts", 3)
	v.SetDefault("curation.retry_delay", "10s")
	v.SetDefault("curation.link_timeout", "15s")

	v.SetDefault("visual.style", "painterly")
	v.SetDefault("visual.style_references", []string{
		"https://s3.eu-west-1.amazonaws.com/harmsen.nl/nieuwsbrief/mirabel1.jpg",
		"https://s3.eu-west-1.amazonaws.com/harmsen.nl/nieuwsbrief/mirabel3.jpg",
		"https://s3.eu-west-1.amazonaws.com/harmsen.nl/nieuwsbrief/mirabel4.jpg",
	})
	v.SetDefault("visual.selection_attempts", 5)
	v.SetDefault("visual.selection_delay", "20s")
	v.SetDefault("visual.image_attempts", 3)
	v.SetDefault("visual.timeout_delay", "5s")
	v.SetDefault("visual.error_delay", "30s")
	v.SetDefault("visual.width", 550)
	v.SetDefault("visual.height", 300)
	v.SetDefault("visual.infographic_width", 1100)

	v.SetDefault("delivery.batch_size", 50)
	v.SetDefault("delivery.batch_pause", "20s")
	v.SetDefault("delivery.sends_per_second", 1.0)
	v.SetDefault("delivery.cleanup_delay", "30s")
	v.SetDefault("delivery.bounce_delay", "60s")

	v.SetDefault("bounce.senders", []string{"mailer-daemon", "postmaster"})
	v.SetDefault("bounce.threshold", 2)
	v.SetDefault("bounce.review_folder", "ainews/unidentified")

	v.SetDefault("upload.bucket", "harmsen.nl")
	v.SetDefault("upload.region", "eu-west-1")
	v.SetDefault("upload.prefix", "nieuwsbrief")
	v.SetDefault("upload.attempts", 3)
	v.SetDefault("upload.delay", "2s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// bindEnvironmentVariables maps the environment variable names used by the
// deployment onto config keys. The first variable that is set wins.
func bindEnvironmentVariables(v *viper.Viper) error {
	bindings := map[string][]string{
		"ai.gemini.api_key":  {"GEMINI_API_KEY", "GOOGLE_GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"ai.openai.api_key":  {"OPENAI_API_KEY"},
		"mailbox.username":   {"EMAIL_HOST_USER"},
		"mailbox.password":   {"EMAIL_HOST_PASSWORD"},
		"mailbox.host":       {"EMAIL_IMAP_SERVER"},
		"mailbox.port":       {"EMAIL_IMAP_PORT"},
		"smtp.host":          {"EMAIL_HOST"},
		"smtp.port":          {"EMAIL_PORT"},
		"smtp.username":      {"EMAIL_SMTP_USER", "EMAIL_HOST_USER"},
		"smtp.password":      {"EMAIL_SMTP_PASSWORD", "EMAIL_HOST_PASSWORD"},
		"database.url":       {"DATABASE_URL"},
		"upload.bucket":      {"S3_BUCKET"},
		"upload.region":      {"AWS_REGION", "AWS_DEFAULT_REGION"},
		"logging.level":      {"LOG_LEVEL"},
	}
	for key, envKeys := range bindings {
		if err := bindEnvKeys(v, key, envKeys); err != nil {
			return err
		}
	}
	return nil
}

// bindEnvKeys binds a viper key to a list of environment variable aliases
func bindEnvKeys(v *viper.Viper, viperKey string, envKeys []string) error {
	args := append([]string{viperKey}, envKeys...)
	if err := v.BindEnv(args...); err != nil {
		return errors.Wrapf(err, "binding %s", viperKey)
	}
	return nil
}

// postProcessConfig applies post-processing to configuration values
func postProcessConfig(config *Config) error {
	config.App.DataDir = expandPath(config.App.DataDir)
	config.Database.URL = NormalizeDatabaseURL(config.Database.URL)

	for i, op := range config.Newsletter.Operators {
		config.Newsletter.Operators[i] = strings.ToLower(strings.TrimSpace(op))
	}

	if _, err := time.LoadLocation(config.Newsletter.Timezone); err != nil {
		return errors.Wrapf(err, "invalid newsletter.timezone %q", config.Newsletter.Timezone)
	}
	return nil
}

// NormalizeDatabaseURL rewrites the postgres:// scheme to postgresql://.
func NormalizeDatabaseURL(dbURL string) string {
	if strings.HasPrefix(dbURL, "postgres://") {
		return "postgresql://" + strings.TrimPrefix(dbURL, "postgres://")
	}
	return dbURL
}

// expandPath expands ~ and environment variables in paths
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

// validateConfig checks values that would otherwise fail deep inside a run
func validateConfig(config *Config) error {
	var problems []string

	c := config.Curation
	if c.DailyMin < 1 || c.DailyMin > c.DailyMax {
		problems = append(problems, fmt.Sprintf("curation daily bounds invalid: min %d max %d", c.DailyMin, c.DailyMax))
	}
	if c.WeeklyMin < 1 || c.WeeklyMin > c.WeeklyMax {
		problems = append(problems, fmt.Sprintf("curation weekly bounds invalid: min %d max %d", c.WeeklyMin, c.WeeklyMax))
	}
	if c.DedupeIssues < 0 || c.DedupeIssues > 5 {
		problems = append(problems, fmt.Sprintf("curation.dedupe_issues must be between 0 and 5, got %d", c.DedupeIssues))
	}
	if c.Attempts < 1 {
		problems = append(problems, "curation.attempts must be at least 1")
	}
	if config.Visual.ImageAttempts < 1 || config.Visual.SelectionAttempts < 1 {
		problems = append(problems, "visual attempts must be at least 1")
	}
	if config.Upload.Attempts < 1 {
		problems = append(problems, "upload.attempts must be at least 1")
	}
	if config.Delivery.BatchSize < 1 {
		problems = append(problems, "delivery.batch_size must be at least 1")
	}
	if config.Bounce.Threshold < 1 {
		problems = append(problems, "bounce.threshold must be at least 1")
	}
	switch strings.ToLower(strings.TrimSpace(config.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q is not one of trace, debug, info, warn, error", config.Logging.Level))
	}

	if len(problems) > 0 {
		return errors.Newf("configuration errors:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

// RequireCredentials checks the secrets a full newsletter run needs.
func (c *Config) RequireCredentials() error {
	var missing []string
	if c.AI.Gemini.APIKey == "" {
		missing = append(missing, "GEMINI_API_KEY")
	}
	if c.AI.OpenAI.APIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if c.SMTP.Host == "" {
		missing = append(missing, "EMAIL_HOST")
	}
	missing = append(missing, c.missingMailboxCredentials()...)
	if len(missing) > 0 {
		return errors.WithHint(
			errors.Newf("missing configuration: %s", strings.Join(missing, ", ")),
			"set them in the environment or in a .env file")
	}
	return nil
}

// RequireMailboxCredentials checks what the bounce reconciliation pass needs.
func (c *Config) RequireMailboxCredentials() error {
	if missing := c.missingMailboxCredentials(); len(missing) > 0 {
		return errors.Newf("missing configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c *Config) missingMailboxCredentials() []string {
	var missing []string
	if c.Mailbox.Username == "" {
		missing = append(missing, "EMAIL_HOST_USER")
	}
	if c.Mailbox.Password == "" {
		missing = append(missing, "EMAIL_HOST_PASSWORD")
	}
	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	return missing
}

// Location returns the newsletter timezone. postProcessConfig has validated it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Newsletter.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsOperator reports whether the address belongs to the people running the newsletter.
func (c *Config) IsOperator(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, op := range c.Newsletter.Operators {
		if op == email {
			return true
		}
	}
	return false
}
