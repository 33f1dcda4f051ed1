package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

// ModelsCommand returns the models command
func ModelsCommand() *cli.Command {
	return &cli.Command{
		Name:  "models",
		Usage: "List the models a configured AI provider can serve",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "provider",
				Aliases: []string{"p"},
				Usage:   "Provider name from the config (defaults to general.default_provider)",
			},
		},
		Action: runModels,
	}
}

func runModels(c *cli.Context) error {
	a, err := loadApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	name := c.String("provider")
	if name == "" {
		name = a.cfg.General.DefaultProvider
	}

	infos, err := a.ai.Models(c.Context, name)
	if err != nil {
		return err
	}

	desc, err := a.ai.Capabilities(name)
	if err != nil {
		return err
	}

	fmt.Printf("Provider %s (api %s, streaming=%v, tools=%v)\n",
		name, desc.APIVersion, desc.Streaming, desc.ToolUse)
	for _, info := range infos {
		if info.MaxTokens > 0 {
			fmt.Printf("  %s (max output %d tokens)\n", info.ID, info.MaxTokens)
		} else {
			fmt.Printf("  %s\n", info.ID)
		}
	}
	return nil
}
