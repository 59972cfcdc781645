package cli

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/anthrax3/mongodb-backup-system/internal/assistant"
	"github.com/anthrax3/mongodb-backup-system/internal/connector"
	"github.com/anthrax3/mongodb-backup-system/internal/model"
	"github.com/anthrax3/mongodb-backup-system/internal/notifications"
	"github.com/anthrax3/mongodb-backup-system/internal/strategy"
	"github.com/anthrax3/mongodb-backup-system/internal/target"
	"github.com/anthrax3/mongodb-backup-system/internal/taskstore"
	"github.com/anthrax3/mongodb-backup-system/internal/topology"
)

// buildDeps assembles the collaborators every command needs from the
// persistent flags: a mongo source, an S3-compatible target, an in-process
// task store, a local-host assistant, and an optional webhook notifier.
func buildDeps(logger *slog.Logger) (*topology.MongoSource, *target.MinioTarget, model.StrategyDeps) {
	factory := &connector.Factory{}
	source := topology.NewMongoSource(mongoURI, databaseName, adminCreds, factory, nil)

	tgt := &target.MinioTarget{
		Endpoint:  targetEndpoint,
		AccessKey: targetAccessKey,
		SecretKey: targetSecretKey,
		Bucket:    targetBucket,
		UseSSL:    targetTLS,
	}

	var notifier model.Notifier
	if webhookURL != "" {
		notifier = &notifications.Webhook{URL: webhookURL, Username: webhookUsername, Password: webhookPassword}
	}

	deps := model.StrategyDeps{
		Store:      taskstore.NewMemoryStore(),
		Assistant:  &assistant.LocalAssistant{Logger: logger},
		Notifier:   notifier,
		Connectors: factory,
	}
	return source, tgt, deps
}

// dumpStrategy builds the default all-purpose backup strategy: plain
// mongodump, archived and uploaded to the configured target.
func dumpStrategy(deps model.StrategyDeps) *strategy.DumpStrategy {
	return &strategy.DumpStrategy{
		Shared: strategy.Shared{Assistant: deps.Assistant},
	}
}

func newTaskID() string {
	return fmt.Sprintf("task-%s", uuid.New().String())
}
