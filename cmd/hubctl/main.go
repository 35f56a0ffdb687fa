package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/capturectl/internal/config"
	"github.com/danmuck/capturectl/internal/hub"
	"github.com/danmuck/capturectl/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "cmd/hubctl/config.toml", "hub config path")
	flag.Parse()

	logging.ConfigureRuntime()
	cfg, err := config.LoadHub(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hubctl: %v\n", err)
		os.Exit(1)
	}
	log.Info().Str("path", *configPath).Str("listen", cfg.ListenAddr).Str("root", cfg.SessionRoot).Msg("hubctl loaded config")

	svc := hub.NewService(cfg)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "hubctl: %v\n", err)
		os.Exit(1)
	}
}
