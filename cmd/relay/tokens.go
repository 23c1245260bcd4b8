package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/promptrelay/internal/config"
	"github.com/stupiduntilnot/promptrelay/internal/conversation"
	"github.com/stupiduntilnot/promptrelay/internal/tokenizer"
)

func newTokensCmd(opts *rootOptions) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "tokens [text...]",
		Short: "Count prompt tokens and the response budget they leave",
		Long: "Counts the tokens of the given text (or stdin) with the configured tokenizer and\n" +
			"reports the response budget left when it is sent after the system prompt.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(true)
			if err != nil {
				return err
			}
			if kind != "" {
				cfg.Tokenizer = kind
			}
			text := strings.Join(args, " ")
			if len(args) == 0 {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = strings.TrimRight(string(raw), "\n")
			}
			return printTokens(cmd.OutOrStdout(), cfg, text)
		},
	}
	cmd.Flags().StringVar(&kind, "tokenizer", "", "tokenizer override: tiktoken or heuristic")
	return cmd
}

func printTokens(w io.Writer, cfg config.Config, text string) error {
	counter, err := tokenizer.New(cfg.Tokenizer, cfg.OpenAIModel)
	if err != nil {
		return err
	}
	window := conversation.NewWindow(counter, cfg.Eviction)

	n, err := counter.Count(text)
	if err != nil {
		return err
	}
	msgs := []conversation.Message{
		{Role: conversation.RoleSystem, Content: cfg.SystemPrompt},
		{Role: conversation.RoleUser, Content: text},
	}
	total, err := window.TotalTokens(msgs)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "tokens: %d\n", n)
	fmt.Fprintf(w, "context: %d/%d (system prompt + text), reserve %d\n", total, cfg.MaxContextTokens, cfg.ResponseReserve)

	_, available, err := window.FitBudget(msgs, cfg.MaxContextTokens, cfg.ResponseReserve)
	if errors.Is(err, conversation.ErrUntrimmable) {
		fmt.Fprintln(w, "available: none (prompt exceeds the context budget)")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "available: %d\n", available)
	return nil
}
