package main

import (
	"context"
	"strings"

	"github.com/goliatone/go-config/config"

	"github.com/goliatone/go-dispatch/core"
)

const defaultEnvPrefix = "DISPATCH"

// envConfigProvider layers PREFIX_SECTION__KEY variables over the runtime
// defaults. Values are decoded by field type, so "30s" fills a duration and
// a numeric secret stays a string.
type envConfigProvider struct {
	prefix string
}

func (p envConfigProvider) Load(ctx context.Context, defaults core.Config) (core.Config, error) {
	container := config.New(defaults).
		WithProvider(config.EnvProvider[core.Config](p.envPrefix(), "__"))
	if err := container.Load(ctx); err != nil {
		return core.Config{}, err
	}
	return container.Raw(), nil
}

func (p envConfigProvider) envPrefix() string {
	prefix := strings.ToUpper(strings.TrimSpace(p.prefix))
	if prefix == "" {
		prefix = defaultEnvPrefix
	}
	return prefix + "_"
}
