package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"deskrelay/internal/client/directory"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions known to the directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := settings()
		ctx, cancel := context.WithTimeout(cmd.Context(), s.RequestTimeout)
		defer cancel()

		sessions, err := directory.New(s.SignalURL, s.RequestTimeout, directory.WithLogger(sugar)).List(ctx)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CODE\tSTATUS\tPASSWORD\tVIEWERS\tUP")
		for _, sess := range sessions {
			viewers := fmt.Sprintf("%d", sess.Viewers)
			if sess.MaxViewers > 0 {
				viewers = fmt.Sprintf("%d/%d", sess.Viewers, sess.MaxViewers)
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
				sess.Code, sess.Status, sess.HasPassword, viewers,
				time.Since(sess.CreatedAt).Round(time.Second))
		}
		return w.Flush()
	},
}
