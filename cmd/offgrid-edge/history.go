package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/takuphilchan/offgrid-edge/internal/stats"
)

type historyCommander struct {
	root  *rootCommander
	limit int
}

func newHistoryCmd(root *rootCommander) *cobra.Command {
	cmder := &historyCommander{root: root}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent generation sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run()
		},
	}
	cmd.Flags().IntVarP(&cmder.limit, "limit", "l", 20, "Number of sessions to show")
	return cmd
}

func (c *historyCommander) run() error {
	out := c.root.out
	if c.root.cfg.HistoryDB == "" {
		return errors.New("session history is disabled (history_db is empty)")
	}

	store, err := stats.NewHistoryStore(c.root.cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.Recent(c.limit)
	if err != nil {
		return err
	}
	if out.JSONMode() {
		return out.JSON(map[string]any{"sessions": sessions, "count": len(sessions)})
	}

	out.Section("Recent sessions")
	if len(sessions) == 0 {
		out.Info("no sessions recorded")
		return nil
	}
	for _, s := range sessions {
		line := fmt.Sprintf("%s  %-9s %4d in %4d out  %6.1f tok/s  %s",
			s.StartedAt.Local().Format("2006-01-02 15:04:05"), s.State,
			s.InputTokens, s.OutputTokens, s.TokensPerSecond, s.SessionID)
		if s.Error != "" {
			line += "  " + s.Error
		}
		out.Text(line + "\n")
	}
	return nil
}
