package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	logLevel string
	timeout  int

	mongoURI     string
	databaseName string
	adminCreds   bool

	targetEndpoint  string
	targetAccessKey string
	targetSecretKey string
	targetBucket    string
	targetTLS       bool

	webhookURL      string
	webhookUsername string
	webhookPassword string
)

var rootCommand = &cobra.Command{
	Use:   "mbs",
	Short: "mbs: MongoDB Backup System",
	Long: `mbs runs and schedules MongoDB backups and restores: topology-aware
member selection, mongodump/cloud-snapshot strategies, and a resumable
task log that survives a rescheduled run.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// version and help run without a configured source.
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		if mongoURI == "" {
			return fmt.Errorf("required flag(s) \"mongo-uri\" not set")
		}
		return nil
	},
}

func Execute() error {
	return rootCommand.Execute()
}

func init() {
	rootCommand.AddGroup(&cobra.Group{ID: "mbs", Title: "MBS"})

	flags := rootCommand.PersistentFlags()
	flags.StringVar(&mongoURI, "mongo-uri", "", "MongoDB connection URI (required)")
	flags.StringVar(&databaseName, "database", "", "database to scope the backup/restore to (empty = whole deployment)")
	flags.BoolVar(&adminCreds, "admin-creds", false, "the URI carries admin-database credentials")

	flags.StringVar(&targetEndpoint, "target-endpoint", "", "S3-compatible endpoint for the backup target")
	flags.StringVar(&targetAccessKey, "target-access-key", "", "access key for the backup target")
	flags.StringVar(&targetSecretKey, "target-secret-key", "", "secret key for the backup target")
	flags.StringVar(&targetBucket, "target-bucket", "", "bucket for the backup target")
	flags.BoolVar(&targetTLS, "target-tls", true, "use TLS when talking to the backup target")

	flags.IntVar(&timeout, "timeout", 0, "run-wide execution timeout in seconds (0 = no deadline)")
	flags.StringVar(&logLevel, "log-level", "info", "logging level (debug, info, warn, error)")
	flags.StringVar(&webhookURL, "webhook-url", "", "webhook URL for alerting")
	flags.StringVar(&webhookUsername, "webhook-username", "", "webhook username for alerting")
	flags.StringVar(&webhookPassword, "webhook-password", "", "webhook password for alerting")

	_ = viper.BindPFlag("mongo-uri", flags.Lookup("mongo-uri"))
	_ = viper.BindPFlag("timeout", flags.Lookup("timeout"))
	_ = viper.BindPFlag("log-level", flags.Lookup("log-level"))

	viper.SetEnvPrefix("MBS")
	viper.AutomaticEnv()
}
