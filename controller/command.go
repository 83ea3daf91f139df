package controller

import (
	"context"

	"github.com/urfave/cli/v3"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "run the loom controller",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return Run(ctx)
		},
		Description: `
Environment variables:
	LOOM_SERVER_OWNER               (required)
	LOOM_SERVER_LISTEN_ADDR         (default: 0.0.0.0:7100)
	LOOM_SERVER_DB_PATH             (default: loom.db)
	LOOM_SERVER_WORKFLOW_DIR        (default: .loom/workflows)
	LOOM_SERVER_LOG_DIR             (default: /var/log/loom)
	LOOM_SERVER_MAX_QUEUE_SIZE      (default: 100)
	LOOM_SERVER_DEV                 (default: false)
	LOOM_RUNNER_KIND                (docker or noop, default: docker)
	LOOM_RUNNER_MAX_PARALLEL        (default: 4)
	LOOM_RUNNER_IMAGE               (default: alpine:3.21)
	LOOM_STORE_KIND                 (fs or s3, default: fs)
	LOOM_STORE_DIR                  (default: /var/lib/loom/artifacts)
	LOOM_STORE_S3_ENDPOINT          LOOM_STORE_S3_ACCESS_KEY
	LOOM_STORE_S3_SECRET_KEY        LOOM_STORE_S3_BUCKET
	LOOM_PUBLISHER_KIND             (log or http, default: log)
	LOOM_PUBLISHER_ENDPOINT         LOOM_PUBLISHER_TOKEN
	LOOM_SECRETS_PROVIDER           (sqlite or openbao, default: sqlite)
	LOOM_SECRETS_OPENBAO_ADDR       LOOM_SECRETS_OPENBAO_ROLE_ID
	LOOM_SECRETS_OPENBAO_SECRET_ID  LOOM_SECRETS_OPENBAO_MOUNT
	LOOM_SOURCES_WEBSOCKET          (comma-separated hosts)
	LOOM_SOURCES_KAFKA_BROKERS      (comma-separated addresses)
	LOOM_NOTIFY_EMAIL_RESEND_API_KEY  LOOM_NOTIFY_DISCORD_TOKEN
	LOOM_NOTIFY_TELEGRAM_TOKEN        LOOM_NOTIFY_POSTHOG_API_KEY
`,
	}
}
