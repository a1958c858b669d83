package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/blockedby/groupscan/internal/botcheck"
	"github.com/blockedby/groupscan/internal/config"
	"github.com/blockedby/groupscan/internal/logger"
	"github.com/blockedby/groupscan/internal/scanner"
)

func main() {
	configPath := flag.String("config", "", "path to config.json")
	targetsPath := flag.String("targets", "", "targets YAML whose groups are checked")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("error: load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Logging.Level, ""); err != nil {
		fmt.Printf("error: init logger: %v\n", err)
		os.Exit(1)
	}
	if !cfg.HasBot() {
		fmt.Println("no bot token configured (bot.token or TG_BOT_TOKEN)")
		os.Exit(1)
	}

	checker, name, err := botcheck.Dial(cfg.Bot.Token, cfg.Bot.Workload.MaxMonitoredMembersPerGroup, logger.Get())
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ bot authorized as @%s\n", name)

	groups := flag.Args()
	if *targetsPath != "" {
		targets, err := scanner.LoadTargets(*targetsPath)
		if err != nil {
			fmt.Printf("❌ %v\n", err)
			os.Exit(1)
		}
		groups = append(groups, targets.Groups...)
	}
	if len(groups) == 0 {
		return
	}

	reports, err := checker.Check(context.Background(), groups)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(reports)
}
