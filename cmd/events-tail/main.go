package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/blockedby/groupscan/internal/config"
	"github.com/blockedby/groupscan/internal/events"
	"github.com/blockedby/groupscan/internal/nats"
)

// events-tail prints groupscan events stored in JetStream, one JSON line per
// event. Reusing a consumer name resumes after the last acknowledged event.
func main() {
	configPath := flag.String("config", "", "path to config.json")
	consumer := flag.String("consumer", "events-tail", "durable consumer name")
	filter := flag.String("filter", "", "subject filter, e.g. groupscan.job.> (default all events)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.NATS.URL == "" {
		fmt.Fprintln(os.Stderr, "nats.url is not configured (or NATS_URL)")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	nc, err := nats.New(ctx, cfg.NATS.URL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer nc.Close()

	if err := nc.EnsureStream(ctx, cfg.NATS.Stream); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	out := json.NewEncoder(os.Stdout)
	err = nc.Tail(ctx, cfg.NATS.Stream, *consumer, *filter, func(subject string, data []byte) error {
		var e events.Event
		if err := json.Unmarshal(data, &e); err != nil {
			// not ours; ack it so it is not redelivered forever
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", subject, err)
			return nil
		}
		return out.Encode(e)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
