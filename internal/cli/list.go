package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func NewListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved computers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			if cliCtx == nil {
				return errNoContext
			}
			db, err := cliCtx.GetStorage()
			if err != nil {
				return err
			}
			infos, err := db.ListSnapshots(cmd.Context())
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No saved computers.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "HOST\tOWNER\tSIZE\tSAVED")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", info.Hostname, info.Owner, info.Size, info.SavedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}
