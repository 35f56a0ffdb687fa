package main

import (
	"flag"
	"os"

	"github.com/danmuck/capturectl/internal/config"
	"github.com/danmuck/capturectl/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	kind := flag.String("kind", config.KindHub, "config kind: hub|node")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	logging.ConfigureRuntime()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		if err := config.Validate(path, *kind); err != nil {
			log.Error().Err(err).Str("path", path).Msg("configgen validate failed")
			os.Exit(1)
		}
		log.Info().Str("kind", *kind).Str("path", path).Msg("configgen validated")
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Error().Err(err).Str("path", target).Msg("configgen write failed")
		os.Exit(1)
	}
	log.Info().Str("kind", *kind).Str("path", target).Msg("configgen wrote template")
}

func defaultPath(kind string) string {
	path, err := config.DefaultPath(kind)
	if err != nil {
		log.Error().Err(err).Msg("configgen")
		os.Exit(1)
	}
	return path
}
