package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/metalagman/netdiag/internal/db"
)

func casesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:          "cases",
		Short:        "List past diagnosis cases",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			storeDB, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()

			store := db.NewStore(storeDB)
			cases, err := store.ListCases(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CASE\tCREATED\tSTATUS\tITER\tTARGET\tISSUE")
			for _, c := range cases {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					c.ID, c.CreatedAt, c.Status, c.Iteration, c.Target, c.Issue)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of cases to list")
	return cmd
}
