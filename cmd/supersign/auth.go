package main

import (
	"errors"
	"fmt"

	"github.com/ruteri/supersign/gsa"
	"github.com/ruteri/supersign/interfaces"
	"github.com/urfave/cli/v2"
)

var authCommand = &cli.Command{
	Name:  "auth",
	Usage: "Manage the developer account session",
	Subcommands: []*cli.Command{
		{
			Name:  "login",
			Usage: "Log in and save the session token",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "username", Aliases: []string{"u"}, Usage: "account email"},
				&cli.StringFlag{Name: "password", Aliases: []string{"p"}, Usage: "account password, prompted when missing"},
			},
			Action: authLogin,
		},
		{
			Name:  "logout",
			Usage: "Forget the saved session token",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "reset-2fa", Usage: "also forget the device identity, so the next login asks for a second factor"},
			},
			Action: authLogout,
		},
		{
			Name:   "status",
			Usage:  "Show the logged in account",
			Action: authStatus,
		},
	},
}

func authLogin(cCtx *cli.Context) error {
	env, err := newEnvironment(cCtx)
	if err != nil {
		return err
	}
	provider, err := env.anisetteProvider()
	if err != nil {
		return err
	}

	delegate := newTerminalDelegate()
	username := cCtx.String("username")
	if username == "" {
		username, _ = delegate.prompt("Apple ID: ")
	}
	password := cCtx.String("password")
	if password == "" {
		if password, err = delegate.password("Password: "); err != nil {
			return err
		}
	}
	if username == "" || password == "" {
		return errors.New("username and password are required")
	}

	manager := gsa.NewLoginManager(env.gsaClient, provider, env.log)
	token, err := manager.LogIn(cCtx.Context, username, password, delegate)
	if err != nil {
		return err
	}
	if err := env.tokens.Save(cCtx.Context, token); err != nil {
		env.log.Error("Failed to save token", "err", err)
		return err
	}

	fmt.Printf("Logged in as %s\n", token.AccountIdentifier)
	return nil
}

func authLogout(cCtx *cli.Context) error {
	env, err := newEnvironment(cCtx)
	if err != nil {
		return err
	}

	if err := env.tokens.Clear(cCtx.Context); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}

	if cCtx.Bool("reset-2fa") {
		if provider, err := env.anisetteProvider(); err == nil {
			if err := provider.ResetProvisioning(cCtx.Context); err != nil {
				return fmt.Errorf("failed to reset anisette provisioning: %w", err)
			}
		}
		if err := env.store.SetData(cCtx.Context, interfaces.KeyDeviceInfo, nil); err != nil {
			return fmt.Errorf("failed to reset device info: %w", err)
		}
	}

	fmt.Println("Logged out")
	return nil
}

func authStatus(cCtx *cli.Context) error {
	env, err := newEnvironment(cCtx)
	if err != nil {
		return err
	}

	token, err := env.tokens.Load(cCtx.Context)
	if errors.Is(err, interfaces.ErrNotFound) {
		fmt.Println("Not logged in")
		return nil
	} else if err != nil {
		return err
	}

	fmt.Printf("Logged in as %s\n", token.AccountIdentifier)
	return nil
}
