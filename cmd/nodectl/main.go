package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/capturectl/internal/config"
	"github.com/danmuck/capturectl/internal/logging"
	"github.com/danmuck/capturectl/internal/node"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "cmd/nodectl/config.toml", "node config path")
	flag.Parse()

	logging.ConfigureRuntime()
	cfg, err := config.LoadNode(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nodectl: %v\n", err)
		os.Exit(1)
	}
	log.Info().Str("path", *configPath).Str("node", cfg.NodeID).Str("hub", cfg.HubAddr).Msg("nodectl loaded config")

	svc, err := node.NewService(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nodectl: %v\n", err)
		os.Exit(1)
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "nodectl: %v\n", err)
		os.Exit(1)
	}
}
