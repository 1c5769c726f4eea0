package main

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/seantiz/stellarsim/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"listen_addr": cfg.ListenAddr,
		"store":       cfg.Store.Driver,
		"time_unit":   cfg.Engine.TimeUnit.String(),
		"archive":     cfg.Archive.Enabled(),
	}).Info("Starting stellarsim")

	a, err := newApp(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := api.NewServer(cfg.ListenAddr, a.store, a.engine, a.broker, log, api.Options{
		RateLimit:      cfg.API.RateLimit,
		CorrelationTTL: cfg.API.CorrelationTTL,
		TrustProxy:     cfg.API.TrustProxy,
	})

	return srv.Run()
}
