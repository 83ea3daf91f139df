package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr   string `env:"LISTEN_ADDR, default=0.0.0.0:7100"`
	DBPath       string `env:"DB_PATH, default=loom.db"`
	WorkflowDir  string `env:"WORKFLOW_DIR, default=.loom/workflows"`
	LogDir       string `env:"LOG_DIR, default=/var/log/loom"`
	Owner        string `env:"OWNER, required"`
	Dev          bool   `env:"DEV, default=false"`
	MaxQueueSize int    `env:"MAX_QUEUE_SIZE, default=100"`
}

type Runner struct {
	// kind selects the runner implementation: docker or noop
	Kind        string `env:"KIND, default=docker"`
	MaxParallel int    `env:"MAX_PARALLEL, default=4"`
	Image       string `env:"IMAGE, default=alpine:3.21"`
}

type Store struct {
	// kind selects the artifact store: fs or s3
	Kind string `env:"KIND, default=fs"`
	Dir  string `env:"DIR, default=/var/lib/loom/artifacts"`
	S3   S3     `env:",prefix=S3_"`
}

type S3 struct {
	Endpoint  string `env:"ENDPOINT"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Bucket    string `env:"BUCKET, default=loom-artifacts"`
	UseSSL    bool   `env:"USE_SSL, default=true"`
}

type Publisher struct {
	// kind selects the result publisher: http or log
	Kind     string `env:"KIND, default=log"`
	Endpoint string `env:"ENDPOINT"`
	Token    string `env:"TOKEN"`
}

type Secrets struct {
	Provider string  `env:"PROVIDER, default=sqlite"`
	OpenBao  OpenBao `env:",prefix=OPENBAO_"`
}

type OpenBao struct {
	Addr     string `env:"ADDR"`
	RoleID   string `env:"ROLE_ID"`
	SecretID string `env:"SECRET_ID"`
	Mount    string `env:"MOUNT, default=loom"`
}

type Sources struct {
	// websocket feeds to consume events from, comma separated
	Websocket []string `env:"WEBSOCKET"`
	Kafka     Kafka    `env:",prefix=KAFKA_"`
}

type Kafka struct {
	Brokers []string `env:"BROKERS"`
	Topic   string   `env:"TOPIC, default=loom-events"`
	Group   string   `env:"GROUP, default=loom"`
}

type Notify struct {
	Email    Email    `env:",prefix=EMAIL_"`
	Discord  Discord  `env:",prefix=DISCORD_"`
	Telegram Telegram `env:",prefix=TELEGRAM_"`
	Posthog  Posthog  `env:",prefix=POSTHOG_"`
}

type Email struct {
	ResendAPIKey string `env:"RESEND_API_KEY"`
	From         string `env:"FROM"`
	To           string `env:"TO"`
}

type Discord struct {
	Token     string `env:"TOKEN"`
	ChannelID string `env:"CHANNEL_ID"`
}

type Telegram struct {
	Token  string `env:"TOKEN"`
	ChatID string `env:"CHAT_ID"`
}

type Posthog struct {
	APIKey   string `env:"API_KEY"`
	Endpoint string `env:"ENDPOINT, default=https://eu.i.posthog.com"`
}

type Config struct {
	Server    Server    `env:",prefix=LOOM_SERVER_"`
	Runner    Runner    `env:",prefix=LOOM_RUNNER_"`
	Store     Store     `env:",prefix=LOOM_STORE_"`
	Publisher Publisher `env:",prefix=LOOM_PUBLISHER_"`
	Secrets   Secrets   `env:",prefix=LOOM_SECRETS_"`
	Sources   Sources   `env:",prefix=LOOM_SOURCES_"`
	Notify    Notify    `env:",prefix=LOOM_NOTIFY_"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
