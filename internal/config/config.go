package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the voicebridge process.
// All values must come from env (or a .env file loaded at startup).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	Phone    PhoneConfig
	Provider ProviderConfig
	OpenAI   OpenAIConfig
	Tunnel   TunnelConfig
	ToolAPI  ToolAPIConfig
	DB       DBConfig
	Redis    RedisConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type PhoneConfig struct {
	// FromNumber and UserNumber are E.164.
	FromNumber string
	UserNumber string
}

// ProviderConfig selects and configures the telephony provider.
type ProviderConfig struct {
	// Name is "telnyx" or "twilio".
	Name string

	TelnyxAPIKey       string
	TelnyxConnectionID string
	// TelnyxPublicKey is the base64 Ed25519 webhook public key.
	// Optional: absence downgrades webhook signature verification to a logged warning.
	TelnyxPublicKey string

	TwilioAccountSID string
	TwilioAuthToken  string
}

type OpenAIConfig struct {
	APIKey string

	// TTSVoice is the synthesis voice name.
	TTSVoice string

	// TranscriptTimeout bounds a single listen operation.
	TranscriptTimeout time.Duration

	// STTSilence is the server-side VAD silence window that commits an utterance.
	STTSilence time.Duration
}

type TunnelConfig struct {
	NgrokAuthtoken string

	// AllowTokenlessAttach enables the known-unsafe media-socket pairing
	// fallback on ephemeral tunnel hosts. Off unless explicitly requested.
	AllowTokenlessAttach bool
}

type ToolAPIConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// DBConfig is optional; when Host is empty the call-log store stays in memory.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// RedisConfig is optional; when Host is empty the concurrent-call cap is disabled.
type RedisConfig struct {
	Host string
	Port int

	// MaxConcurrentCalls caps simultaneous active calls across processes.
	MaxConcurrentCalls int
}

const (
	defaultPort              = 3333
	defaultTTSVoice          = "onyx"
	defaultTranscriptTimeout = 180 * time.Second
	defaultSTTSilence        = 800 * time.Millisecond
	defaultTokenTTL          = 12 * time.Hour
)

func Load() (Config, error) {
	// Best-effort; env vars already set win over the file.
	_ = godotenv.Load()

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	if c.App.Env == "" {
		c.App.Env = "local"
	}
	{
		n, err := optInt("LOCAL_PORT", defaultPort)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.Phone.FromNumber = strings.TrimSpace(os.Getenv("PHONE_FROM_NUMBER"))
	c.Phone.UserNumber = strings.TrimSpace(os.Getenv("USER_NUMBER"))

	c.Provider.Name = strings.ToLower(strings.TrimSpace(os.Getenv("PHONE_PROVIDER")))
	if c.Provider.Name == "" {
		c.Provider.Name = "telnyx"
	}
	c.Provider.TelnyxAPIKey = os.Getenv("TELNYX_API_KEY")
	c.Provider.TelnyxConnectionID = strings.TrimSpace(os.Getenv("TELNYX_CONNECTION_ID"))
	c.Provider.TelnyxPublicKey = strings.TrimSpace(os.Getenv("TELNYX_PUBLIC_KEY"))
	c.Provider.TwilioAccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Provider.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")

	c.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	c.OpenAI.TTSVoice = strings.TrimSpace(os.Getenv("TTS_VOICE"))
	if c.OpenAI.TTSVoice == "" {
		c.OpenAI.TTSVoice = defaultTTSVoice
	}
	c.OpenAI.TranscriptTimeout = optMillis("TRANSCRIPT_TIMEOUT_MS", defaultTranscriptTimeout)
	c.OpenAI.STTSilence = optMillis("STT_SILENCE_MS", defaultSTTSilence)

	c.Tunnel.NgrokAuthtoken = os.Getenv("NGROK_AUTHTOKEN")
	c.Tunnel.AllowTokenlessAttach = optBool("ALLOW_TOKENLESS_ATTACH")

	c.ToolAPI.JWTSecret = os.Getenv("TOOL_API_SECRET")
	c.ToolAPI.TokenTTL = optMillis("TOOL_API_TOKEN_TTL_MS", defaultTokenTTL)

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	if c.DB.Host != "" {
		n, err := optInt("DB_PORT", 5432)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
		c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
		c.DB.Password = os.Getenv("DB_PASSWORD")
		c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
		c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
		if c.DB.SSLMode == "" {
			c.DB.SSLMode = "disable"
		}
	}

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if c.Redis.Host != "" {
		{
			n, err := optInt("REDIS_PORT", 6379)
			n, parseErrs = appendParseErr(parseErrs, n, err)
			c.Redis.Port = n
		}
		{
			n, err := optInt("MAX_CONCURRENT_CALLS", 0)
			n, parseErrs = appendParseErr(parseErrs, n, err)
			c.Redis.MaxConcurrentCalls = n
		}
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error

	if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("LOCAL_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Phone.FromNumber == "" {
		errs = append(errs, errors.New("PHONE_FROM_NUMBER is required"))
	}
	if c.Phone.UserNumber == "" {
		errs = append(errs, errors.New("USER_NUMBER is required"))
	}

	switch c.Provider.Name {
	case "telnyx":
		if c.Provider.TelnyxAPIKey == "" {
			errs = append(errs, errors.New("TELNYX_API_KEY is required for the telnyx provider"))
		}
		if c.Provider.TelnyxConnectionID == "" {
			errs = append(errs, errors.New("TELNYX_CONNECTION_ID is required for the telnyx provider"))
		}
	case "twilio":
		if c.Provider.TwilioAccountSID == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required for the twilio provider"))
		}
		if c.Provider.TwilioAuthToken == "" {
			errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required for the twilio provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("PHONE_PROVIDER must be telnyx or twilio, got %q", c.Provider.Name))
	}

	if c.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}
	if c.OpenAI.TranscriptTimeout <= 0 {
		errs = append(errs, errors.New("TRANSCRIPT_TIMEOUT_MS must be > 0"))
	}
	if c.OpenAI.STTSilence <= 0 {
		errs = append(errs, errors.New("STT_SILENCE_MS must be > 0"))
	}

	if c.ToolAPI.JWTSecret == "" {
		errs = append(errs, errors.New("TOOL_API_SECRET is required"))
	}

	if c.DB.Host != "" {
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required when DB_HOST is set"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required when DB_HOST is set"))
		}
		if !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}

	if c.Redis.Host != "" && c.Redis.MaxConcurrentCalls < 0 {
		errs = append(errs, errors.New("MAX_CONCURRENT_CALLS must be >= 0"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) HasDB() bool    { return c.DB.Host != "" }
func (c Config) HasRedis() bool { return c.Redis.Host != "" }

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func optInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

// optMillis reads a millisecond count; invalid or absent values fall back to def.
func optMillis(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func optBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
