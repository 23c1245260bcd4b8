package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/promptrelay/internal/db"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		userID  int64
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show stored exchanges for a user, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(true)
			if err != nil {
				return err
			}
			database, err := db.Open(cmd.Context(), cfg.DBPath)
			if err != nil {
				return err
			}
			defer database.Close()
			return printHistory(cmd.Context(), cmd.OutOrStdout(), &db.Exchanges{DB: database}, userID, limit, jsonOut)
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id whose exchanges to show")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum exchanges to show (0 = all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON format")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printHistory(ctx context.Context, w io.Writer, store *db.Exchanges, userID int64, limit int, jsonOut bool) error {
	exchanges, err := store.List(ctx, userID, limit)
	if err != nil {
		return err
	}

	if jsonOut {
		if exchanges == nil {
			exchanges = []db.Exchange{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(exchanges)
	}

	if len(exchanges) == 0 {
		fmt.Fprintf(w, "no exchanges for user %d\n", userID)
		return nil
	}
	total, err := store.Count(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "user %d: %d of %d exchanges\n", userID, len(exchanges), total)
	for _, ex := range exchanges {
		fmt.Fprintf(w, "[%d] %s\n", ex.ID, ex.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "  user:      %s\n", oneLine(ex.Prompt, 200))
		fmt.Fprintf(w, "  assistant: %s\n", oneLine(ex.Response, 200))
	}
	return nil
}

// oneLine flattens s onto a single line and truncates it to max runes.
func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
