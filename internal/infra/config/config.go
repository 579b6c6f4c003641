package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"Europe/Amsterdam"`
	Port   int    `envconfig:"PORT" default:"8080"`

	Telegram struct {
		Token      string `envconfig:"TG_BOT_TOKEN"`
		WebhookURL string `envconfig:"TG_WEBHOOK_URL"`
		APIID      int    `envconfig:"TG_API_ID"`
		APIHash    string `envconfig:"TG_API_HASH"`
	} `envconfig:""`

	MTProto struct {
		SessionFile string `envconfig:"MTPROTO_SESSION_FILE"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	AMQP struct {
		URL string `envconfig:"AMQP_URL"`
	} `envconfig:""`

	Refresh struct {
		Interval     time.Duration `envconfig:"REFRESH_INTERVAL" default:"1m"`
		StartupDelay time.Duration `envconfig:"REFRESH_STARTUP_DELAY" default:"10s"`
		Batch        int           `envconfig:"REFRESH_BATCH" default:"50"`
	} `envconfig:""`

	Queues struct {
		Driver  string `envconfig:"QUEUE_DRIVER" default:"redis"`
		Refresh string `envconfig:"REFRESH_QUEUE_KEY" default:"refresh_jobs"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
