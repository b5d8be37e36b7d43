package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/AzielCF/az-dispatch/core/database"
	"github.com/AzielCF/az-dispatch/ui/rest"
	"github.com/AzielCF/az-dispatch/ui/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var restCmd = &cobra.Command{
	Use:   "rest",
	Short: "Run the HTTP API, webhooks and background workers",
	RunE:  restServer,
}

func init() {
	rootCmd.AddCommand(restCmd)
}

func restServer(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	server := rest.New(cfg.App)
	api, err := rest.API(server, cfg.App)
	if err != nil {
		a.stop(context.Background())
		return err
	}

	root := server.Group(cfg.App.BasePath)
	checks := map[string]rest.Check{
		"database": func(ctx context.Context) error { return database.Ping(ctx, a.db) },
	}
	if a.vk != nil {
		checks["valkey"] = a.vk.Ping
	}
	rest.InitRestHealth(root, checks)
	rest.InitRestWebhook(root, a.pipeline)

	rest.InitRestSession(api, a.sessions, a.dispatch, a.policy)
	rest.InitRestCampaign(api, a.campaigns)
	rest.InitRestRule(api, a.rules)
	rest.InitRestConversation(api, a.ledger)
	rest.InitRestWorkerPool(api, rest.WorkerPool{Sessions: a.pools, AutoReply: a.autoPool, Gates: a.gates})
	websocket.RegisterRoutes(api, websocket.NewHub(a.bus))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logrus.Info("[REST] Reception of termination signal, shutting down gracefully...")
		if err := server.Shutdown(); err != nil {
			logrus.Errorf("[REST] Error during Fiber shutdown: %v", err)
		}
	}()

	logrus.Infof("[REST] Listening on :%s", cfg.App.Port)
	listenErr := server.Listen(":" + cfg.App.Port)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownGrace)
	defer cancel()
	a.stop(ctx)
	return listenErr
}
