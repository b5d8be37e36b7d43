package cmd

import (
	"os"
	"time"

	"github.com/AzielCF/az-dispatch/core/config"
	"github.com/AzielCF/az-dispatch/pkg/utils"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// appConfig is loaded once before any command runs. Library code never reads
// it; it is handed to constructors by the bootstrap.
var appConfig *config.Config

var rootCmd = &cobra.Command{
	Use:   "az-dispatch",
	Short: "Multi-channel messaging dispatch and ingestion engine",
	Long: `az-dispatch sends messages and broadcast campaigns through WhatsApp, Telegram,
Messenger and Instagram sessions, and ingests their webhooks exactly once.`,
	SilenceUsage: true,
}

func init() {
	utils.LoadConfig(".")
	time.Local = time.UTC

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	initFlags()
	cobra.OnInitialize(initEnvConfig)
}

func initFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("port", "p", "", "change port number with --port <number> | example: --port=8080")
	flags.BoolP("debug", "d", false, "enable debug logs with --debug=true")
	flags.String("db-driver", "", `database driver --db-driver <sqlite|postgres>`)
	flags.Int("campaign-workers", 0, "workers per session for campaign delivery")
	flags.StringSliceP("basic-auth", "b", nil, "basic auth credential | -b=yourUsername:yourPassword")

	for key, flag := range map[string]string{
		"app_port":                     "port",
		"app_debug":                    "debug",
		"db_driver":                    "db-driver",
		"campaign_workers_per_session": "campaign-workers",
		"app_basic_auth":               "basic-auth",
	} {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}
	viper.AutomaticEnv()
}

// initEnvConfig builds the structured config from the environment and lets
// explicit flags win.
func initEnvConfig() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("[CONFIG] %v", err)
	}

	flags := rootCmd.PersistentFlags()
	if flags.Changed("port") {
		cfg.App.Port = viper.GetString("app_port")
	}
	if flags.Changed("debug") {
		cfg.App.Debug = viper.GetBool("app_debug")
	}
	if flags.Changed("db-driver") {
		cfg.Database.Driver = viper.GetString("db_driver")
	}
	if flags.Changed("campaign-workers") {
		cfg.WorkerPool.WorkersPerSession = viper.GetInt("campaign_workers_per_session")
	}
	if flags.Changed("basic-auth") {
		cfg.App.BasicAuth = viper.GetStringSlice("app_basic_auth")
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.App.Environment == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	logrus.SetLevel(logrus.InfoLevel)
	if cfg.App.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if err := utils.CreateFolder(cfg.App.StoragePath); err != nil {
		logrus.Fatalf("[CONFIG] %v", err)
	}
	cfg.App.ServerID = utils.GetPersistentServerID(cfg.App.ServerID, cfg.App.StoragePath)
	appConfig = cfg
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
