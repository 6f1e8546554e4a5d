package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/umbra-im/umbra-node/pkg/api"
	"github.com/umbra-im/umbra-node/pkg/config"
	"github.com/umbra-im/umbra-node/pkg/crypto"
	"github.com/umbra-im/umbra-node/pkg/metrics"
	"github.com/umbra-im/umbra-node/pkg/network"
	"github.com/umbra-im/umbra-node/pkg/storage"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			identity, err := loadIdentity()
			if err != nil {
				return err
			}
			return runNode(cfg, identity)
		},
	}
}

func runNode(cfg *config.Config, identity *crypto.Identity) error {
	log.Printf("Starting umbra-node as %s", identity.DID)

	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	client := network.NewClient(identity, &network.ClientConfig{
		DisplayName:       cfg.DisplayName,
		AutoAcceptFriends: cfg.AutoAcceptFriends,
		KeepaliveInterval: cfg.KeepaliveInterval,
	})
	client.AttachDatabase(db)

	registry := prometheus.NewRegistry()
	if cfg.MetricsEnabled {
		client.AttachMetrics(metrics.New(registry))
	}

	if err := client.LoadPersistedState(); err != nil {
		return err
	}

	manager := network.NewReconnectManager(client, network.ReconnectConfig{
		Servers:           cfg.RelayURLs,
		BaseDelay:         cfg.BackoffBase,
		MaxDelay:          cfg.BackoffMax,
		AttemptsPerServer: cfg.AttemptsPerServer,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager.Start()

	if cfg.APIListenAddr != "" {
		apiCfg := api.Config{ListenAddr: cfg.APIListenAddr}
		if cfg.MetricsEnabled {
			apiCfg.Gatherer = registry
		}
		server := api.NewServer(client, db, apiCfg)
		go func() {
			if err := server.Start(ctx); err != nil {
				log.Printf("Control API stopped: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Printf("Shutting down")
	manager.Stop()
	return client.Disconnect()
}
