package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/whisper/support-desk/internal/config"
	"github.com/whisper/support-desk/internal/messaging"
	"github.com/whisper/support-desk/internal/notify"
)

func main() {
	log.Println("Starting support desk notifier...")

	cfg, err := config.LoadNotifier()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "support-notifier"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	notifier := notify.New(notify.LogMailer{}, cfg.SupportInbox, cfg.Grace)

	if err := natsClient.SubscribeEscalations(notifier.HandleEscalation); err != nil {
		log.Fatalf("failed to subscribe to escalations: %v", err)
	}
	if err := natsClient.SubscribeSessionEvents(notifier.HandleSessionEvent); err != nil {
		log.Fatalf("failed to subscribe to session events: %v", err)
	}

	log.Printf("Support desk notifier running")
	log.Printf("  nats_url:      %s", natsConfig.URL)
	log.Printf("  support_inbox: %s", cfg.SupportInbox)
	log.Printf("  grace:         %s", cfg.Grace)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
	notifier.Close()
}
