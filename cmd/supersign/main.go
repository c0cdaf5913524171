package main

import (
	"log"
	"os"

	"github.com/ruteri/supersign/cmd/flags"
	"github.com/ruteri/supersign/common"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    "supersign",
		Usage:   "Sign and install iOS apps with a free developer account",
		Version: common.Version,
		Flags:   flags.CommonFlags,
		Commands: []*cli.Command{
			authCommand,
			devServicesCommand,
			devicesCommand,
			installCommand,
			anisetteCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
