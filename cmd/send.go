package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/tamma/pkg/models"
)

// SendCommand returns the send command
func SendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send a prompt through the dispatcher",
		ArgsUsage: "PROMPT",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "provider",
				Aliases: []string{"p"},
				Usage:   "Route to a specific provider instead of capability selection",
			},
			&cli.StringFlag{
				Name:  "model",
				Usage: "Override the provider's default model",
			},
			&cli.StringFlag{
				Name:  "system",
				Usage: "System prompt",
			},
			&cli.IntFlag{
				Name:  "max-tokens",
				Usage: "Cap the response length",
			},
			&cli.BoolFlag{
				Name:    "stream",
				Aliases: []string{"s"},
				Usage:   "Stream the response as it is generated",
			},
		},
		Action: runSend,
	}
}

func runSend(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("missing required argument: prompt")
	}

	a, err := loadApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	req := models.Request{
		Model:     c.String("model"),
		MaxTokens: c.Int("max-tokens"),
		Stream:    c.Bool("stream"),
	}
	if system := c.String("system"); system != "" {
		req.Messages = append(req.Messages, models.Message{Role: models.RoleSystem, Content: system})
	}
	req.Messages = append(req.Messages, models.Message{Role: models.RoleUser, Content: c.Args().Get(0)})

	name := c.String("provider")

	if req.Stream {
		return streamSend(c, a, name, req)
	}

	var resp *models.Response
	if name != "" {
		resp, err = a.ai.SendTo(c.Context, name, req)
	} else {
		resp, err = a.ai.Send(c.Context, req)
	}
	if err != nil {
		return err
	}

	fmt.Println(resp.Content)
	fmt.Fprintf(os.Stderr, "[%s] %d in / %d out tokens, finish=%s\n",
		resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.FinishReason)
	return nil
}

func streamSend(c *cli.Context, a *app, name string, req models.Request) error {
	var (
		stream <-chan models.StreamChunk
		err    error
	)
	if name != "" {
		stream, err = a.ai.StreamTo(c.Context, name, req)
	} else {
		stream, err = a.ai.Stream(c.Context, req)
	}
	if err != nil {
		return err
	}

	for chunk := range stream {
		if chunk.Err != nil {
			fmt.Println()
			return chunk.Err
		}
		if chunk.Done {
			fmt.Println()
			fmt.Fprintf(os.Stderr, "[%s] %d in / %d out tokens, finish=%s\n",
				chunk.Response.Model, chunk.Response.Usage.InputTokens,
				chunk.Response.Usage.OutputTokens, chunk.Response.FinishReason)
			continue
		}
		fmt.Print(chunk.Delta)
	}
	return nil
}
