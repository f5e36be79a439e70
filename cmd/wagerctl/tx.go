package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/execution-hub/duel-escrow/internal/infrastructure/keystore"
	"github.com/execution-hub/duel-escrow/internal/p2p/client"
	"github.com/execution-hub/duel-escrow/internal/p2p/protocol"
	"github.com/execution-hub/duel-escrow/internal/p2p/state"
)

// txOp describes one signable operation.
type txOp struct {
	name  string
	op    protocol.Operation
	usage string
	flags []cli.Flag
	build func(cmd *cli.Command) (any, error)
}

func matchFlag() cli.Flag {
	return &cli.Uint64Flag{Name: "match", Usage: "match id", Required: true}
}

func txOps() []txOp {
	return []txOp{
		{
			name: "create", op: protocol.OpMatchCreate, usage: "create a match and deposit the stake",
			flags: []cli.Flag{
				&cli.StringFlag{Name: "token", Required: true},
				&cli.Uint64Flag{Name: "stake", Required: true},
				&cli.StringFlag{Name: "opponent", Usage: "invite one address; empty for an open challenge"},
				&cli.DurationFlag{Name: "join-window", Value: time.Hour},
				&cli.DurationFlag{Name: "resolve-window", Value: 24 * time.Hour},
				&cli.StringFlag{Name: "resolver"},
			},
			build: func(cmd *cli.Command) (any, error) {
				return protocol.MatchCreatePayload{
					Token:                cmd.String("token"),
					Stake:                cmd.Uint64("stake"),
					Opponent:             cmd.String("opponent"),
					JoinWindowSeconds:    int64(cmd.Duration("join-window") / time.Second),
					ResolveWindowSeconds: int64(cmd.Duration("resolve-window") / time.Second),
					Resolver:             cmd.String("resolver"),
				}, nil
			},
		},
		{
			name: "join", op: protocol.OpMatchJoin, usage: "join a match and deposit the stake",
			flags: []cli.Flag{matchFlag()},
			build: matchRef,
		},
		{
			name: "submit-result", op: protocol.OpResultSubmit, usage: "vote for a winner",
			flags: []cli.Flag{matchFlag(), &cli.StringFlag{Name: "winner", Required: true}},
			build: func(cmd *cli.Command) (any, error) {
				return protocol.ResultSubmitPayload{MatchID: cmd.Uint64("match"), ClaimedWinner: cmd.String("winner")}, nil
			},
		},
		{
			name: "resolve", op: protocol.OpRefereeResolve, usage: "resolve as a referee",
			flags: []cli.Flag{matchFlag(), &cli.StringFlag{Name: "winner", Required: true}},
			build: func(cmd *cli.Command) (any, error) {
				return protocol.RefereeResolvePayload{MatchID: cmd.Uint64("match"), Winner: cmd.String("winner")}, nil
			},
		},
		{
			name: "refund", op: protocol.OpRefundUnjoined, usage: "reclaim the stake of an unjoined match",
			flags: []cli.Flag{matchFlag()},
			build: matchRef,
		},
		{
			name: "withdraw", op: protocol.OpTimeoutWithdraw, usage: "withdraw own stake after the resolve deadline",
			flags: []cli.Flag{matchFlag()},
			build: matchRef,
		},
		{
			name: "set-resolver", op: protocol.OpSetResolver, usage: "grant or revoke a global referee",
			flags: []cli.Flag{
				&cli.StringFlag{Name: "account", Required: true},
				&cli.BoolFlag{Name: "allowed", Value: true},
			},
			build: func(cmd *cli.Command) (any, error) {
				return protocol.SetResolverPayload{Account: cmd.String("account"), Allowed: cmd.Bool("allowed")}, nil
			},
		},
		{
			name: "set-fees", op: protocol.OpSetFees, usage: "update fee recipient, default and cap",
			flags: []cli.Flag{
				&cli.StringFlag{Name: "recipient"},
				&cli.Uint64Flag{Name: "default-bps"},
				&cli.Uint64Flag{Name: "max-bps"},
			},
			build: func(cmd *cli.Command) (any, error) {
				defBps, maxBps := cmd.Uint64("default-bps"), cmd.Uint64("max-bps")
				if defBps > 10000 || maxBps > 10000 {
					return nil, errors.New("basis points must be <= 10000")
				}
				return protocol.SetFeesPayload{Recipient: cmd.String("recipient"), DefaultBps: uint32(defBps), MaxBps: uint32(maxBps)}, nil
			},
		},
		{
			name: "transfer-ownership", op: protocol.OpTransferOwnership, usage: "hand the owner role to another address",
			flags: []cli.Flag{&cli.StringFlag{Name: "new-owner", Required: true}},
			build: func(cmd *cli.Command) (any, error) {
				return protocol.TransferOwnershipPayload{NewOwner: cmd.String("new-owner")}, nil
			},
		},
		{
			name: "mint", op: protocol.OpTokenMint, usage: "mint test tokens (owner only)",
			flags: tokenFlags("to"),
			build: func(cmd *cli.Command) (any, error) {
				return protocol.TokenMintPayload{Token: cmd.String("token"), To: cmd.String("to"), Amount: cmd.Uint64("amount")}, nil
			},
		},
		{
			name: "approve", op: protocol.OpTokenApprove, usage: "set an allowance, by default for the escrow account",
			flags: []cli.Flag{
				&cli.StringFlag{Name: "token", Required: true},
				&cli.StringFlag{Name: "spender", Value: string(state.EscrowAccount)},
				&cli.Uint64Flag{Name: "amount", Required: true},
			},
			build: func(cmd *cli.Command) (any, error) {
				return protocol.TokenApprovePayload{Token: cmd.String("token"), Spender: cmd.String("spender"), Amount: cmd.Uint64("amount")}, nil
			},
		},
		{
			name: "transfer", op: protocol.OpTokenTransfer, usage: "move tokens to another address",
			flags: tokenFlags("to"),
			build: func(cmd *cli.Command) (any, error) {
				return protocol.TokenTransferPayload{Token: cmd.String("token"), To: cmd.String("to"), Amount: cmd.Uint64("amount")}, nil
			},
		},
	}
}

func matchRef(cmd *cli.Command) (any, error) {
	return protocol.MatchRefPayload{MatchID: cmd.Uint64("match")}, nil
}

func tokenFlags(target string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "token", Required: true},
		&cli.StringFlag{Name: target, Required: true},
		&cli.Uint64Flag{Name: "amount", Required: true},
	}
}

func txCommand() *cli.Command {
	ops := txOps()
	sub := make([]*cli.Command, 0, len(ops))
	for _, op := range ops {
		sub = append(sub, &cli.Command{
			Name:   op.name,
			Usage:  op.usage,
			Flags:  op.flags,
			Action: runTx(op),
		})
	}
	return &cli.Command{
		Name:  "tx",
		Usage: "sign a transaction and print it, or submit it with --submit",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "key", Usage: "keyring entry to sign with", Sources: cli.EnvVars("WAGER_KEY")},
			&cli.StringFlag{Name: "seed", Usage: "hex ed25519 seed, overrides --key", Sources: cli.EnvVars("WAGER_KEY_SEED")},
			&cli.StringFlag{Name: "tx-id", Usage: "defaults to a random uuid"},
			&cli.BoolFlag{Name: "submit"},
		},
		Commands: sub,
	}
}

func runTx(op txOp) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		payload, err := op.build(cmd)
		if err != nil {
			return err
		}
		priv, err := signingKey(cmd)
		if err != nil {
			return err
		}
		tx, err := buildTx(op.op, payload, priv, cmd.String("tx-id"), time.Now().UTC())
		if err != nil {
			return err
		}
		if !cmd.Bool("submit") {
			return printJSON(tx)
		}
		receipt, err := client.New(cmd.String("node")).SubmitTx(ctx, tx)
		if err != nil {
			var apiErr *client.APIError
			if errors.As(err, &apiErr) && apiErr.Receipt != nil {
				_ = printJSON(apiErr.Receipt)
			}
			return err
		}
		return printJSON(receipt)
	}
}

func signingKey(cmd *cli.Command) (ed25519.PrivateKey, error) {
	if seed := cmd.String("seed"); seed != "" {
		key, err := keystore.FromSeed(seed)
		if err != nil {
			return nil, err
		}
		return key.PrivateKey(), nil
	}
	name := strings.TrimSpace(cmd.String("key"))
	if name == "" {
		return nil, errors.New("--key or --seed is required")
	}
	kr, err := keystore.Open(cmd.String("keyring"))
	if err != nil {
		return nil, err
	}
	defer kr.Close()
	key, err := kr.Get(name)
	if err != nil {
		return nil, err
	}
	return key.PrivateKey(), nil
}

func buildTx(op protocol.Operation, payload any, priv ed25519.PrivateKey, txID string, ts time.Time) (protocol.Tx, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return protocol.Tx{}, fmt.Errorf("encode payload: %w", err)
	}
	txID = strings.TrimSpace(txID)
	if txID == "" {
		txID = uuid.NewString()
	}
	tx := protocol.Tx{
		TxID:      txID,
		Nonce:     uuid.NewString(),
		Timestamp: ts,
		Op:        op,
		Payload:   raw,
	}
	if err := tx.Sign(priv); err != nil {
		return protocol.Tx{}, err
	}
	return tx, nil
}
