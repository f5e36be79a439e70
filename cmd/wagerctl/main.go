package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/execution-hub/duel-escrow/internal/p2p/client"
)

func main() {
	cmd := &cli.Command{
		Name:  "wagerctl",
		Usage: "manage keys and sign escrow transactions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "keyring",
				Value:   defaultKeyring(),
				Sources: cli.EnvVars("WAGER_KEYRING"),
			},
			&cli.StringFlag{
				Name:    "node",
				Value:   "http://127.0.0.1:18080",
				Sources: cli.EnvVars("WAGER_NODE_URL"),
			},
		},
		Commands: []*cli.Command{
			keysCommand(),
			txCommand(),
			matchCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func matchCommand() *cli.Command {
	return &cli.Command{
		Name:  "match",
		Usage: "query matches on a node",
		Commands: []*cli.Command{
			{
				Name:      "get",
				ArgsUsage: "<match-id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := strconv.ParseUint(cmd.Args().First(), 10, 64)
					if err != nil {
						return fmt.Errorf("match id must be numeric: %w", err)
					}
					m, err := client.New(cmd.String("node")).Match(ctx, id)
					if err != nil {
						return err
					}
					return printJSON(m)
				},
			},
		},
	}
}

func defaultKeyring() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".wagerctl", "keyring.db")
	}
	return filepath.Join(home, ".wagerctl", "keyring.db")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
