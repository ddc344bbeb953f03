package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/df-mc/voxelstore/server"
	"github.com/df-mc/voxelstore/server/console"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	uc, err := server.ReadConfig("config.toml")
	if err != nil {
		log.Error("read config: " + err.Error())
		os.Exit(1)
	}
	conf, err := uc.Config(log)
	if err != nil {
		log.Error("config: " + err.Error())
		os.Exit(1)
	}
	store, err := conf.New()
	if err != nil {
		log.Error("start store: " + err.Error())
		os.Exit(1)
	}
	log.Info("Store started.", "folder", conf.Folder, "read_only", conf.ReadOnly)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		console.New(store, log).Run(ctx)
		stop()
	}()
	<-ctx.Done()

	if err := store.Close(); err != nil {
		log.Error("close store: " + err.Error())
		os.Exit(1)
	}
	log.Info("Store closed.")
}
