package cmd

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/tamma/pkg/models"
)

// RepoCommand returns the repo command
func RepoCommand() *cli.Command {
	return &cli.Command{
		Name:      "repo",
		Usage:     "Inspect a repository through the unified platform layer",
		ArgsUsage: "OWNER/NAME",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "platform",
				Aliases: []string{"P"},
				Usage:   "Platform name from the config (defaults to general.default_platform)",
			},
			&cli.BoolFlag{
				Name:  "pulls",
				Usage: "Also list open pull requests",
			},
			&cli.BoolFlag{
				Name:  "issues",
				Usage: "Also list open issues",
			},
			&cli.StringFlag{
				Name:  "ci-ref",
				Usage: "Also show CI status for the given ref",
			},
		},
		Action: runRepo,
	}
}

func splitRepoArg(arg string) (string, string, error) {
	parts := strings.Split(arg, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("expected OWNER/NAME, got %q", arg)
	}
	return parts[0], parts[1], nil
}

func runRepo(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("missing required argument: OWNER/NAME")
	}
	owner, name, err := splitRepoArg(c.Args().Get(0))
	if err != nil {
		return err
	}

	a, err := loadApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	platform := c.String("platform")
	if platform == "" {
		platform = a.cfg.General.DefaultPlatform
	}

	repo, err := a.git.GetRepository(c.Context, platform, owner, name)
	if err != nil {
		return err
	}

	fmt.Printf("%s (%s)\n", repo.FullName, repo.Platform)
	if repo.Description != "" {
		fmt.Printf("  %s\n", repo.Description)
	}
	fmt.Printf("  default branch %s, %d stars, %d forks, %d open issues\n",
		repo.DefaultBranch, repo.Stars, repo.Forks, repo.OpenIssues)

	if c.Bool("pulls") {
		pulls, info, err := a.git.ListPullRequests(c.Context, platform, owner, name,
			models.ListOptions{State: "open"})
		if err != nil {
			return err
		}
		fmt.Printf("\nOpen pull requests (%s):\n", describeTotal(info, len(pulls)))
		for _, pr := range pulls {
			fmt.Printf("  #%d %s (%s -> %s) by %s\n",
				pr.Number, pr.Title, pr.SourceBranch, pr.TargetBranch, pr.Author)
		}
	}

	if c.Bool("issues") {
		issues, info, err := a.git.ListIssues(c.Context, platform, owner, name,
			models.ListOptions{State: "open"})
		if err != nil {
			return err
		}
		fmt.Printf("\nOpen issues (%s):\n", describeTotal(info, len(issues)))
		for _, issue := range issues {
			fmt.Printf("  #%d %s by %s\n", issue.Number, issue.Title, issue.Author)
		}
	}

	if ref := c.String("ci-ref"); ref != "" {
		status, err := a.git.GetCIStatus(c.Context, platform, owner, name, ref)
		if err != nil {
			return err
		}
		fmt.Printf("\nCI on %s: %s", ref, status.State)
		if status.WebURL != "" {
			fmt.Printf(" (%s)", status.WebURL)
		}
		fmt.Println()
	}

	return nil
}

// describeTotal renders a page summary without asserting totals the
// platform never reported.
func describeTotal(info *models.PageInfo, returned int) string {
	if info != nil && info.TotalAccuracy == models.TotalExact {
		return fmt.Sprintf("%d of %d", returned, info.TotalCount)
	}
	if info != nil && info.HasMore {
		return fmt.Sprintf("first %d, more available", returned)
	}
	return fmt.Sprintf("%d", returned)
}
