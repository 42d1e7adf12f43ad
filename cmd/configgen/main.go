package main

import (
	"flag"

	"github.com/danmuck/genelink/internal/config"
	"github.com/danmuck/genelink/internal/logging"
	"github.com/rs/zerolog/log"
)

func defaultPath(kind string) string {
	switch kind {
	case "limits":
		return "limits.toml"
	default:
		return "node.toml"
	}
}

func main() {
	kind := flag.String("kind", "node", "config kind: node|limits")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()
	logging.ConfigureRuntime()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		cfg, err := config.Load(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("config invalid")
		}
		log.Info().
			Str("path", path).
			Str("name", cfg.Name).
			Str("role", cfg.Role).
			Uint64("max_stream_length", cfg.Limit().MaxStreamLength).
			Msg("config valid")
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal().Err(err).Msg("write template")
	}
	log.Info().Str("kind", *kind).Str("path", target).Msg("wrote config template")
}
