package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/ruteri/supersign/devservices"
	"github.com/urfave/cli/v2"
)

var devServicesCommand = &cli.Command{
	Name:  "ds",
	Usage: "Query developer services",
	Subcommands: []*cli.Command{
		{
			Name:  "teams",
			Usage: "List the teams of the logged in account",
			Action: func(cCtx *cli.Context) error {
				env, err := newEnvironment(cCtx)
				if err != nil {
					return err
				}
				client, err := env.devServicesClient(cCtx)
				if err != nil {
					return err
				}

				teams, err := devservices.ListTeams(cCtx.Context, client)
				if err != nil {
					env.log.Error("Failed to list teams", "err", err)
					return err
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS")
				for _, team := range teams {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", team.ID, team.Name, team.Type, team.Status)
				}
				return w.Flush()
			},
		},
	},
}
