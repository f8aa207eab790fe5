package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	SMSProviderLog            = "log"
	SMSProviderAfricasTalking = "africastalking"
)

type Config struct {
	DBSource    string
	StoreDriver string
	Port        string
	Env         string
	LogLevel    string
	LogFormat   string
	JWTSecret   string
	RedisAddr   string

	SatsPerKES        decimal.Decimal
	DedupWindow       time.Duration
	SideEffectTimeout time.Duration

	Mpesa     MpesaConfig
	Lightning LightningConfig
	SMS       SMSConfig
}

type MpesaConfig struct {
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	ShortCode       string
	PassKey         string
	CallbackURL     string
	InitiateTimeout time.Duration
	MinAmount       decimal.Decimal
	MaxAmount       decimal.Decimal
}

type LightningConfig struct {
	BaseURL           string
	DefaultInvoiceKey string
	InvoiceTimeout    time.Duration
}

type SMSConfig struct {
	Provider string
	Username string
	APIKey   string
	SenderID string
	BaseURL  string
}

// Load reads the environment. Every problem is reported at once so a
// misconfigured deployment fails on the first start.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	r := reader{getenv: getenv}

	cfg := &Config{
		StoreDriver: r.str("STORE_DRIVER", DriverPostgres),
		DBSource:    r.str("DB_SOURCE", ""),
		Port:        r.str("SERVER_PORT", "8080"),
		Env:         r.str("ENVIRONMENT", "development"),
		LogLevel:    r.str("LOG_LEVEL", "info"),
		LogFormat:   r.str("LOG_FORMAT", "text"),
		JWTSecret:   r.required("JWT_SECRET"),
		RedisAddr:   r.str("REDIS_ADDR", ""),

		SatsPerKES:        r.positiveDecimal("SATS_PER_KES", ""),
		DedupWindow:       r.duration("DEDUP_WINDOW", 5*time.Minute),
		SideEffectTimeout: r.duration("SIDE_EFFECT_TIMEOUT", 10*time.Second),

		Mpesa: MpesaConfig{
			BaseURL:         r.str("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"),
			ConsumerKey:     r.required("MPESA_CONSUMER_KEY"),
			ConsumerSecret:  r.required("MPESA_CONSUMER_SECRET"),
			ShortCode:       r.required("MPESA_SHORTCODE"),
			PassKey:         r.required("MPESA_PASSKEY"),
			CallbackURL:     r.required("MPESA_CALLBACK_URL"),
			InitiateTimeout: r.duration("MPESA_INITIATE_TIMEOUT", 60*time.Second),
			MinAmount:       r.positiveDecimal("MPESA_MIN_AMOUNT", "10"),
			MaxAmount:       r.positiveDecimal("MPESA_MAX_AMOUNT", "150000"),
		},
		Lightning: LightningConfig{
			BaseURL:           r.required("LNBITS_BASE_URL"),
			DefaultInvoiceKey: r.str("LNBITS_DEFAULT_INVOICE_KEY", ""),
			InvoiceTimeout:    r.duration("LIGHTNING_INVOICE_TIMEOUT", 15*time.Second),
		},
		SMS: SMSConfig{
			Provider: strings.ToLower(r.str("SMS_PROVIDER", SMSProviderLog)),
			Username: r.str("AT_USERNAME", ""),
			APIKey:   r.str("AT_API_KEY", ""),
			SenderID: r.str("AT_SENDER_ID", ""),
			BaseURL:  r.str("AT_BASE_URL", "https://api.africastalking.com"),
		},
	}

	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DBSource == "" {
			r.fail("DB_SOURCE is required when STORE_DRIVER=postgres")
		}
	case DriverMemory:
	default:
		r.fail(fmt.Sprintf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, cfg.StoreDriver))
	}

	switch cfg.SMS.Provider {
	case SMSProviderLog:
	case SMSProviderAfricasTalking:
		if cfg.SMS.Username == "" || cfg.SMS.APIKey == "" {
			r.fail("AT_USERNAME and AT_API_KEY are required when SMS_PROVIDER=africastalking")
		}
	default:
		r.fail(fmt.Sprintf("SMS_PROVIDER must be %q or %q, got %q", SMSProviderLog, SMSProviderAfricasTalking, cfg.SMS.Provider))
	}

	if cfg.Mpesa.MinAmount.GreaterThan(cfg.Mpesa.MaxAmount) {
		r.fail("MPESA_MIN_AMOUNT must not exceed MPESA_MAX_AMOUNT")
	}

	if err := errors.Join(r.errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

type reader struct {
	getenv func(string) string
	errs   []error
}

func (r *reader) fail(msg string) {
	r.errs = append(r.errs, errors.New(msg))
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) required(key string) string {
	v := r.str(key, "")
	if v == "" {
		r.fail(key + " environment variable is required")
	}
	return v
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		r.fail(fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
		return def
	}
	return d
}

// positiveDecimal is required when def is empty.
func (r *reader) positiveDecimal(key, def string) decimal.Decimal {
	raw := r.str(key, def)
	if raw == "" {
		r.fail(key + " environment variable is required")
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || !d.IsPositive() {
		r.fail(fmt.Sprintf("%s must be a positive number, got %q", key, raw))
		return decimal.Zero
	}
	return d
}
