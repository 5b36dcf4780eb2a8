package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr          string `env:"HTTP_ADDR" envDefault:":8080"`
	AppURL            string `env:"APP_URL" envDefault:"http://localhost:3000"`
	DatabaseURL       string `env:"DATABASE_URL,required"`
	MigrationsPath    string `env:"MIGRATIONS_PATH" envDefault:"file://db/migrations"`
	RedisURL          string `env:"REDIS_URL" envDefault:"localhost:6379"`
	InternalJobSecret string `env:"INTERNAL_JOB_SECRET"`
	EncryptionKey     string `env:"CARD_DATA_ENCRYPTION_KEY"`
	Production        bool   `env:"PRODUCTION" envDefault:"false"`

	Kafka          Kafka          `envPrefix:"KAFKA_"`
	PayFast        PayFast        `envPrefix:"PAYFAST_"`
	Ozow           Ozow           `envPrefix:"OZOW_"`
	SnapScan       SnapScan       `envPrefix:"SNAPSCAN_"`
	SMTP           SMTP           `envPrefix:"SMTP_"`
	WhatsApp       WhatsApp       `envPrefix:"WA_"`
	Karri          Integration    `envPrefix:"KARRI_"`
	Takealot       Integration    `envPrefix:"TAKEALOT_"`
	GivenGain      Integration    `envPrefix:"GIVENGAIN_"`
	Automation     Automation     `envPrefix:"AUTOMATION_"`
	Webhooks       Webhooks       `envPrefix:"WEBHOOK_"`
	Reminders      Reminders      `envPrefix:"REMINDER_"`
	Reconciliation Reconciliation `envPrefix:"RECONCILIATION_"`
	RateLimit      RateLimit      `envPrefix:"RATE_LIMIT_"`
}

type Kafka struct {
	BootstrapServers string `env:"BOOTSTRAP_SERVERS"`
	GroupID          string `env:"GROUP_ID" envDefault:"chipin_payout_group"`
	PageClosedTopic  string `env:"PAGE_CLOSED_TOPIC" envDefault:"funding_page_closed"`
	AutomationTopic  string `env:"AUTOMATION_TOPIC" envDefault:"payout_automation_requested"`
}

type PayFast struct {
	MerchantID     string `env:"MERCHANT_ID"`
	MerchantKey    string `env:"MERCHANT_KEY"`
	Passphrase     string `env:"PASSPHRASE"`
	Sandbox        bool   `env:"SANDBOX" envDefault:"false"`
	ValidateSource bool   `env:"VALIDATE_SOURCE" envDefault:"true"`
}

func (p PayFast) Configured() bool {
	return p.MerchantID != "" && p.MerchantKey != ""
}

type Ozow struct {
	ClientID      string `env:"CLIENT_ID"`
	ClientSecret  string `env:"CLIENT_SECRET"`
	SiteCode      string `env:"SITE_CODE"`
	BaseURL       string `env:"BASE_URL"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	PageLimit     int    `env:"PAGE_LIMIT" envDefault:"100"`
	MaxPages      int    `env:"MAX_PAGES" envDefault:"20"`
}

func (o Ozow) Configured() bool {
	return o.ClientID != "" && o.ClientSecret != "" && o.SiteCode != "" && o.BaseURL != "" && o.WebhookSecret != ""
}

type SnapScan struct {
	SnapCode       string `env:"SNAPCODE"`
	WebhookAuthKey string `env:"WEBHOOK_AUTH_KEY"`
	APIKey         string `env:"API_KEY"`
	BaseURL        string `env:"BASE_URL" envDefault:"https://pos.snapscan.io"`
}

func (s SnapScan) Configured() bool {
	return s.SnapCode != "" && s.WebhookAuthKey != ""
}

type SMTP struct {
	Host     string `env:"HOST"`
	Port     string `env:"PORT" envDefault:"587"`
	User     string `env:"USER"`
	Password string `env:"PASSWORD"`
	From     string `env:"FROM"`

	// Timeout bounds one send, from dial to QUIT.
	Timeout time.Duration `env:"TIMEOUT" envDefault:"15s"`
}

type WhatsApp struct {
	AccessToken      string `env:"ACCESS_TOKEN"`
	PhoneNumberID    string `env:"PHONE_NUMBER_ID"`
	APIBaseURL       string `env:"API_BASE_URL" envDefault:"https://graph.facebook.com"`
	APIVersion       string `env:"API_VERSION" envDefault:"v23.0"`
	TemplateLanguage string `env:"TEMPLATE_LANGUAGE" envDefault:"en_US"`
	ReminderDispatch bool   `env:"REMINDER_DISPATCH_ENABLED" envDefault:"false"`
}

type Integration struct {
	BaseURL string `env:"BASE_URL"`
	APIKey  string `env:"API_KEY"`
}

// Automation holds the per-payout-type toggles for automated disbursement.
type Automation struct {
	KarriEnabled     bool `env:"KARRI_ENABLED" envDefault:"false"`
	TakealotEnabled  bool `env:"TAKEALOT_ENABLED" envDefault:"false"`
	GivenGainEnabled bool `env:"GIVENGAIN_ENABLED" envDefault:"false"`
}

type Webhooks struct {
	DeliveryTimeout    time.Duration `env:"DELIVERY_TIMEOUT" envDefault:"10s"`
	MaxAttempts        int           `env:"MAX_ATTEMPTS" envDefault:"6"`
	BatchSize          int           `env:"BATCH_SIZE" envDefault:"50"`
	TimestampTolerance time.Duration `env:"TIMESTAMP_TOLERANCE" envDefault:"30m"`
}

type Reminders struct {
	BatchSize   int           `env:"BATCH_SIZE" envDefault:"100"`
	RetryWindow time.Duration `env:"RETRY_WINDOW" envDefault:"48h"`
	BaseDelay   time.Duration `env:"BASE_DELAY" envDefault:"5m"`
	MaxDelay    time.Duration `env:"MAX_DELAY" envDefault:"6h"`
}

type Reconciliation struct {
	Lookback      time.Duration `env:"LOOKBACK" envDefault:"24h"`
	MinAge        time.Duration `env:"MIN_AGE" envDefault:"10m"`
	LongTail      time.Duration `env:"LONG_TAIL" envDefault:"168h"`
	AlertsEnabled bool          `env:"ALERTS_ENABLED" envDefault:"false"`
	AlertEmail    string        `env:"ALERT_EMAIL"`
}

type RateLimit struct {
	WebhookLimit  int           `env:"WEBHOOK_LIMIT" envDefault:"120"`
	WebhookWindow time.Duration `env:"WEBHOOK_WINDOW" envDefault:"60s"`
}

// Load reads .env files when present and parses the environment into a Config.
func Load() (Config, error) {
	for _, path := range []string{".env", "../.env"} {
		if err := godotenv.Load(path); err == nil {
			log.WithField("path", path).Debug("Loaded environment file")
			break
		}
	}
	return Parse()
}

func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// SetupLogger applies the process-wide logrus settings.
func SetupLogger(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.WithError(err).Warn("Unknown log level, falling back to info")
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}
