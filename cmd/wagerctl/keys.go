package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/execution-hub/duel-escrow/internal/infrastructure/keystore"
)

func keysCommand() *cli.Command {
	return &cli.Command{
		Name:  "keys",
		Usage: "manage local signing keys",
		Commands: []*cli.Command{
			{
				Name:      "new",
				ArgsUsage: "<name>",
				Action: withKeyring(func(_ context.Context, cmd *cli.Command, kr *keystore.Keyring) error {
					key, err := kr.Create(cmd.Args().First())
					if err != nil {
						return err
					}
					return printJSON(key)
				}),
			},
			{
				Name:      "import",
				ArgsUsage: "<name> <hex-seed>",
				Action: withKeyring(func(_ context.Context, cmd *cli.Command, kr *keystore.Keyring) error {
					if cmd.Args().Len() != 2 {
						return errors.New("usage: keys import <name> <hex-seed>")
					}
					key, err := kr.Import(cmd.Args().Get(0), cmd.Args().Get(1))
					if err != nil {
						return err
					}
					return printJSON(key)
				}),
			},
			{
				Name: "list",
				Action: withKeyring(func(_ context.Context, _ *cli.Command, kr *keystore.Keyring) error {
					keys, err := kr.List()
					if err != nil {
						return err
					}
					for _, k := range keys {
						fmt.Printf("%s\t%s\n", k.Name, k.Address)
					}
					return nil
				}),
			},
			{
				Name:      "show",
				ArgsUsage: "<name>",
				Action: withKeyring(func(_ context.Context, cmd *cli.Command, kr *keystore.Keyring) error {
					key, err := kr.Get(cmd.Args().First())
					if err != nil {
						return err
					}
					return printJSON(key)
				}),
			},
			{
				Name:      "delete",
				ArgsUsage: "<name>",
				Action: withKeyring(func(_ context.Context, cmd *cli.Command, kr *keystore.Keyring) error {
					return kr.Delete(cmd.Args().First())
				}),
			},
		},
	}
}

func withKeyring(fn func(context.Context, *cli.Command, *keystore.Keyring) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		kr, err := keystore.Open(cmd.String("keyring"))
		if err != nil {
			return err
		}
		defer kr.Close()
		return fn(ctx, cmd, kr)
	}
}
