package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/supersign/adiserver"
	"github.com/ruteri/supersign/cmd/flags"
	"github.com/urfave/cli/v2"
)

var anisetteCommand = &cli.Command{
	Name:  "anisette",
	Usage: "Anisette relay",
	Subcommands: []*cli.Command{
		{
			Name:  "serve",
			Usage: "Serve anisette headers to other supersign instances",
			Flags: append([]cli.Flag{
				&cli.StringFlag{
					Name:  "listen-addr",
					Value: "127.0.0.1:6969",
					Usage: "address to listen on for API",
				},
			}, flags.ServerFlags...),
			Action: func(cCtx *cli.Context) error {
				env, err := newEnvironment(cCtx)
				if err != nil {
					return err
				}
				provider, err := env.anisetteProvider()
				if err != nil {
					env.log.Error("Cannot serve anisette", "err", err)
					return err
				}

				cfg := flags.ConfigureServer(cCtx, env.log, cCtx.String("listen-addr"))
				server := adiserver.NewWithProvider(cfg, provider)
				server.RunInBackground()

				exit := make(chan os.Signal, 1)
				signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

				env.log.Info("Server is running, press Ctrl+C to stop")
				<-exit
				env.log.Info("Shutdown signal received")

				server.Shutdown()
				env.log.Info("Server shutdown complete")
				return nil
			},
		},
	},
}
