// cmd/coachline/main.go
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"coachline/internal/config"
	"coachline/internal/discord"
	"coachline/internal/market"
	"coachline/internal/storage"
	v "coachline/internal/version"
)

func main() {
	log.Printf("[INFO] Starting %v %v...", v.AppName, v.AppVersion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.New()

	mkt, err := market.Open(cfg.MarketDBPath)
	if err != nil {
		log.Fatal(err)
	}
	defer mkt.Close()

	store, err := storage.New(cfg.StoragePath)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	bot := discord.NewBot(cfg, mkt, store)

	if err := bot.RestoreGuilds(); err != nil {
		log.Fatal(err)
	}

	if err := bot.Login(); err != nil {
		log.Fatal(err)
	}

	readyCtx, readyCancel := context.WithTimeout(ctx, cfg.ReadyTimeout)
	if err := bot.WaitReady(readyCtx); err != nil {
		readyCancel()
		log.Println("[ERR] Gateway never became ready:", err)
		if err := bot.Logout(ctx); err != nil {
			log.Println("[ERR] Logout failed:", err)
		}
		os.Exit(1)
	}
	readyCancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	s := <-sig
	log.Printf("[INFO] Received signal %s, shutting down...", s)
	cancel()

	if err := bot.Logout(context.Background()); err != nil {
		log.Println("[ERR] Logout failed:", err)
	}

	log.Println("[INFO] Coachline exited cleanly")
}
