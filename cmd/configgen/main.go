package main

import (
	"flag"

	"github.com/danmuck/gdnp/internal/config"
	"github.com/danmuck/gdnp/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	kind := flag.String("kind", config.KindDaemon, "config kind: gdnpd|gdnpctl")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()
	logging.ConfigureRuntime()

	if *validate {
		path := *input
		if path == "" {
			p, err := config.DefaultPath(*kind)
			if err != nil {
				log.Fatal().Err(err).Msg("configgen failed")
			}
			path = p
		}
		if err := config.Validate(path, *kind); err != nil {
			log.Fatal().Err(err).Msg("configgen failed")
		}
		log.Info().Str("kind", *kind).Str("path", path).Msg("config validated")
		return
	}

	target := *output
	if target == "" {
		p, err := config.DefaultPath(*kind)
		if err != nil {
			log.Fatal().Err(err).Msg("configgen failed")
		}
		target = p
	}

	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal().Err(err).Msg("configgen failed")
	}
	log.Info().Str("kind", *kind).Str("path", target).Msg("config template written")
}
