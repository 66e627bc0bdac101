package config

import (
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/nimasrn/followup-gateway/pkg/logger"
	"github.com/pkg/errors"
)

var config *Config

// Config holds every configuration value of the gateway. Only this struct
// must be used to read configuration, no direct access to env or any other
// config source should be made.
type Config struct {
	AppEnv              string `env:"APP_ENV"`
	AppName             string `env:"APP_NAME"`
	AppDebug            bool   `env:"APP_DEBUG"`
	AppDebugMetricsAddr string `env:"APP_DEBUG_METRIC_ADDR"`
	AppDebugMetricsURI  string `env:"APP_DEBUG_METRIC_URI"`

	HttpListenAddr            string `env:"HTTP_LISTEN_ADDR"`
	HttpServerReadTimeout     int    `env:"HTTP_SERVER_READ_TIMEOUT"`
	HttpServerWriteTimeout    int    `env:"HTTP_SERVER_WRITE_TIMEOUT"`
	HttpServerReadBufferSize  int    `env:"HTTP_SERVER_READ_BUFFER_SIZE"`
	HttpServerWriteBufferSize int    `env:"HTTP_SERVER_WRITE_BUFFER_SIZE"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`

	RedisAddr               string `env:"REDIS_ADDR"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX"`

	PromNamespace string `env:"PROM_NAMESPACE"`

	DispatchWorkers      int           `env:"DISPATCH_WORKERS"`
	DispatchBatchSize    int           `env:"DISPATCH_BATCH_SIZE"`
	DispatchPollInterval time.Duration `env:"DISPATCH_POLL_INTERVAL"`
	DispatchClaimLease   time.Duration `env:"DISPATCH_CLAIM_LEASE"`
	DispatchSendTimeout  time.Duration `env:"DISPATCH_SEND_TIMEOUT"`

	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY"`

	GatewayPrimaryUrl   string  `env:"GATEWAY_PRIMARY_URL"`
	GatewaySecondaryUrl string  `env:"GATEWAY_SECONDARY_URL"`
	GatewayApiKey       string  `env:"GATEWAY_API_KEY"`
	GatewayRateLimit    float64 `env:"GATEWAY_RATE_LIMIT"`
	GatewayRateBurst    int     `env:"GATEWAY_RATE_BURST"`

	WebhookSecret string `env:"WEBHOOK_SECRET"`

	AckStreamName              string        `env:"ACK_STREAM_NAME"`
	AckStreamConsumerGroup     string        `env:"ACK_STREAM_CONSUMER_GROUP"`
	AckStreamConsumerName      string        `env:"ACK_STREAM_CONSUMER_NAME"`
	AckStreamMaxRetries        int           `env:"ACK_STREAM_MAX_RETRIES"`
	AckStreamVisibilityTimeout time.Duration `env:"ACK_STREAM_VISIBILITY_TIMEOUT"`
	AckStreamPollInterval      time.Duration `env:"ACK_STREAM_POLL_INTERVAL"`
	AckStreamBatchSize         int64         `env:"ACK_STREAM_BATCH_SIZE"`
	AckStreamMaxLen            int64         `env:"ACK_STREAM_MAX_LEN"`
	AckStreamEnableDLQ         bool          `env:"ACK_STREAM_ENABLE_DLQ"`

	AmqpUrl      string `env:"AMQP_URL"`
	TriggerQueue string `env:"TRIGGER_QUEUE"`

	SessionStatusTTL time.Duration `env:"SESSION_STATUS_TTL"`
	AckDedupeTTL     time.Duration `env:"ACK_DEDUPE_TTL"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		if err := godotenv.Load(path); err != nil {
			return errors.Wrapf(err, "failed to load configuration file %s", path)
		}
	}

	if _, err := env.UnmarshalFromEnviron(c); err != nil {
		return errors.Wrap(err, "failed to map env variables to Configuration object")
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return err
	}

	config = c
	return nil
}

// Set replaces the loaded configuration. Used by tests and embedded setups.
func Set(c *Config) {
	c.applyDefaults()
	config = c
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}

func (c *Config) applyDefaults() {
	if c.AppEnv == "" {
		c.AppEnv = "dev"
	}
	if c.AppName == "" {
		c.AppName = "followup_gateway"
	}
	if c.HttpListenAddr == "" {
		c.HttpListenAddr = ":8080"
	}
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = 10
	}
	if c.DispatchBatchSize <= 0 {
		c.DispatchBatchSize = 50
	}
	if c.DispatchPollInterval <= 0 {
		c.DispatchPollInterval = time.Second
	}
	if c.DispatchClaimLease <= 0 {
		c.DispatchClaimLease = 2 * time.Minute
	}
	if c.DispatchSendTimeout <= 0 {
		c.DispatchSendTimeout = 30 * time.Second
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 30 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Minute
	}
	if c.GatewayRateLimit <= 0 {
		c.GatewayRateLimit = 20
	}
	if c.GatewayRateBurst <= 0 {
		c.GatewayRateBurst = 5
	}
	if c.AckStreamName == "" {
		c.AckStreamName = "gateway-acks"
	}
	if c.AckStreamConsumerGroup == "" {
		c.AckStreamConsumerGroup = "correlators"
	}
	if c.AckStreamConsumerName == "" {
		c.AckStreamConsumerName = "correlator-1"
	}
	if c.AckStreamMaxRetries <= 0 {
		c.AckStreamMaxRetries = 5
	}
	if c.AckStreamVisibilityTimeout <= 0 {
		c.AckStreamVisibilityTimeout = 10 * time.Second
	}
	if c.AckStreamPollInterval <= 0 {
		c.AckStreamPollInterval = 200 * time.Millisecond
	}
	if c.AckStreamBatchSize <= 0 {
		c.AckStreamBatchSize = 50
	}
	if c.AckStreamMaxLen <= 0 {
		c.AckStreamMaxLen = 100000
	}
	if c.TriggerQueue == "" {
		c.TriggerQueue = "followup.triggers"
	}
	if c.SessionStatusTTL <= 0 {
		c.SessionStatusTTL = 24 * time.Hour
	}
	if c.AckDedupeTTL <= 0 {
		c.AckDedupeTTL = 72 * time.Hour
	}
}

func (c *Config) Validate() error {
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return errors.New("RETRY_MAX_DELAY must not be lower than RETRY_BASE_DELAY")
	}
	if c.DispatchClaimLease <= c.DispatchSendTimeout {
		return errors.New("DISPATCH_CLAIM_LEASE must be longer than DISPATCH_SEND_TIMEOUT")
	}
	return nil
}
