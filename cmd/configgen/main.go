package main

import (
	"flag"
	"log"

	"github.com/danmuck/testhost/internal/config"
)

func main() {
	kind := flag.String("kind", "harness", "config kind: harness|companion")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	path, err := defaultPath(*kind)
	if err != nil {
		log.Fatal(err)
	}

	if *validate {
		if *input != "" {
			path = *input
		}
		cfg, err := config.Load(path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s (mode=%s channel=%s)", *kind, path, cfg.Mode, cfg.Companion.Channel)
		return
	}

	if *output != "" {
		path = *output
	}
	if err := config.WriteTemplate(path, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, path)
}

func defaultPath(kind string) (string, error) {
	if _, err := config.Template(kind); err != nil {
		return "", err
	}
	switch kind {
	case "companion":
		return "cmd/testhostd/config.toml", nil
	default:
		return "testhost.toml", nil
	}
}
