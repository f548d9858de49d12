package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/superfly/xchroot/tui"
)

var timeNow = time.Now

func (a *app) statusCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List journaled sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openJournal()
			if err != nil {
				return err
			}
			defer db.Close()

			sessions, err := db.ListSessions(commandContext(cmd), all)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(a.out, "No sessions.")
				return nil
			}
			fmt.Fprintln(a.out, tui.RenderSessions(sessions, timeNow()))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include released sessions")
	return cmd
}
