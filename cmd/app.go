// Package cmd holds the CLI commands and the wiring that turns a loaded
// configuration into live dispatchers.
package cmd

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/tamma/internal/ai"
	"github.com/tamma/internal/ai/anthropic"
	"github.com/tamma/internal/ai/langchain"
	"github.com/tamma/internal/ai/openai"
	"github.com/tamma/internal/config"
	"github.com/tamma/internal/dispatch"
	"github.com/tamma/internal/fault"
	"github.com/tamma/internal/git"
	"github.com/tamma/internal/git/gitea"
	"github.com/tamma/internal/git/github"
	"github.com/tamma/internal/git/gitlab"
	"github.com/tamma/internal/ratelimit"
)

// app bundles the live dispatchers built from one configuration.
type app struct {
	cfg     *config.Config
	ai      *dispatch.AIDispatcher
	git     *dispatch.GitDispatcher
	cleanup []func()
}

func (a *app) Close() {
	for _, fn := range a.cleanup {
		fn()
	}
}

func loadApp(c *cli.Context) (*app, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return buildApp(cfg)
}

// buildApp instantiates every configured adapter and registers it with
// its dispatcher. A single bad entry fails the whole build; partially
// wired dispatchers are worse than an early error.
func buildApp(cfg *config.Config) (*app, error) {
	limiter := ratelimit.New()
	if err := cfg.ConfigureLimiter(limiter); err != nil {
		return nil, err
	}

	a := &app{
		cfg: cfg,
		ai:  dispatch.NewAIDispatcher(limiter),
		git: dispatch.NewGitDispatcher(limiter),
	}

	for name, entry := range cfg.AI {
		provider, err := newAIProvider(entry.Kind)
		if err != nil {
			return nil, err
		}
		if err := provider.Initialize(ai.Config{
			APIKey:     entry.APIKey,
			BaseURL:    entry.BaseURL,
			Timeout:    entry.Timeout,
			MaxRetries: entry.MaxRetries,
			Model:      entry.Model,
		}); err != nil {
			return nil, fmt.Errorf("initialize ai.%s: %w", name, err)
		}
		if err := a.ai.Register(name, provider, entry.APIKey); err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, provider.Dispose)
		log.Debug().Str("provider", name).Str("kind", entry.Kind).Msg("Registered AI provider")
	}

	for name, entry := range cfg.Platforms {
		platform, err := newPlatform(entry.Kind)
		if err != nil {
			return nil, err
		}
		if err := platform.Initialize(git.Config{
			BaseURL: entry.BaseURL,
			Token:   entry.Token,
			Timeout: entry.Timeout,
		}); err != nil {
			return nil, fmt.Errorf("initialize platforms.%s: %w", name, err)
		}
		if err := a.git.Register(name, platform, entry.Token); err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, platform.Dispose)
		log.Debug().Str("platform", name).Str("kind", entry.Kind).Msg("Registered git platform")
	}

	return a, nil
}

func newAIProvider(kind string) (ai.Provider, error) {
	switch kind {
	case "anthropic":
		return anthropic.New(), nil
	case "openai":
		return openai.New(), nil
	}
	if backend, ok := strings.CutPrefix(kind, "langchain-"); ok {
		return langchain.New(backend), nil
	}
	return nil, fault.New(fault.InvalidConfig, "unknown ai kind %q", kind)
}

func newPlatform(kind string) (git.Platform, error) {
	switch kind {
	case "github":
		return github.New(), nil
	case "gitlab":
		return gitlab.New(), nil
	case "gitea", "forgejo":
		return gitea.New(), nil
	}
	return nil, fault.New(fault.InvalidConfig, "unknown platform kind %q", kind)
}
