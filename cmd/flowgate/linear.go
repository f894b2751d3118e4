package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fentz26/flowgate/internal/connectors/linear"
	"github.com/spf13/cobra"
)

var linearCmd = &cobra.Command{
	Use:   "linear",
	Short: "Linear issue tracker helpers",
}

var linearTeamsCmd = &cobra.Command{
	Use:   "teams",
	Short: "List the Linear teams visible to the API key",
	Long: `Lists Linear teams with their ids. Put the id of the team that should
receive approved tasks in linear.team_id (or LINEAR_TEAM_ID).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		teams, err := linear.ListTeams(cmd.Context(), linear.Config{
			APIKey:  cfg.Linear.APIKey,
			APIURL:  cfg.Linear.APIURL,
			Timeout: cfg.Linear.Timeout,
		})
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(teams)
		}
		return printTeams(cmd.OutOrStdout(), teams)
	},
}

func init() {
	linearCmd.AddCommand(linearTeamsCmd)
	linearTeamsCmd.Flags().BoolVar(&asJSON, "json", false, "Print teams as JSON")
}

func printTeams(out io.Writer, teams []linear.Team) error {
	if len(teams) == 0 {
		fmt.Fprintln(out, "No teams found")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tNAME\tID")
	for _, t := range teams {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.Key, t.Name, t.ID)
	}
	return w.Flush()
}
