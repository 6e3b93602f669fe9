package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"meshchat/internal/config"
	"meshchat/internal/history"
	"meshchat/internal/mesh"
	"meshchat/internal/profile"
	"meshchat/internal/web"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	if *debug || cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.WithError(err).Fatal("create data dir")
	}

	db, err := bolt.Open(filepath.Join(cfg.DataDir, "meshchat.db"), 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer db.Close()

	profiles, err := profile.OpenStore(filepath.Join(cfg.DataDir, "profiles.json"))
	if err != nil {
		log.WithError(err).Fatal("open profile store")
	}

	messages, err := history.Open(db)
	if err != nil {
		log.WithError(err).Fatal("open message history")
	}

	core := mesh.NewCore(mesh.Config{
		Group:     cfg.Multicast.Group,
		Port:      cfg.Multicast.Port,
		Interface: cfg.Multicast.Interface,
	}, db, log)
	defer core.Close()

	srv := web.NewServer(cfg.HTTP.Addr, core, profiles, messages, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("http server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
}
