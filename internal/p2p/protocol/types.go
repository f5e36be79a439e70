package protocol

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/execution-hub/duel-escrow/internal/domain/match"
)

// Operation defines supported replicated writes.
type Operation string

const (
	OpMatchCreate       Operation = "MATCH_CREATE"
	OpMatchJoin         Operation = "MATCH_JOIN"
	OpResultSubmit      Operation = "RESULT_SUBMIT"
	OpRefereeResolve    Operation = "REFEREE_RESOLVE"
	OpRefundUnjoined    Operation = "REFUND_UNJOINED"
	OpTimeoutWithdraw   Operation = "TIMEOUT_WITHDRAW"
	OpSetResolver       Operation = "SET_RESOLVER"
	OpSetFees           Operation = "SET_FEES"
	OpTransferOwnership Operation = "TRANSFER_OWNERSHIP"
	OpTokenMint         Operation = "TOKEN_MINT"
	OpTokenApprove      Operation = "TOKEN_APPROVE"
	OpTokenTransfer     Operation = "TOKEN_TRANSFER"
)

var validOps = map[Operation]struct{}{
	OpMatchCreate:       {},
	OpMatchJoin:         {},
	OpResultSubmit:      {},
	OpRefereeResolve:    {},
	OpRefundUnjoined:    {},
	OpTimeoutWithdraw:   {},
	OpSetResolver:       {},
	OpSetFees:           {},
	OpTransferOwnership: {},
	OpTokenMint:         {},
	OpTokenApprove:      {},
	OpTokenTransfer:     {},
}

// IsValidOp reports whether op is a known operation.
func IsValidOp(op Operation) bool {
	_, ok := validOps[op]
	return ok
}

// Tx is the signed, replicated command envelope. Actor must be the
// address derived from PublicKey.
type Tx struct {
	TxID      string          `json:"tx_id"`
	Nonce     string          `json:"nonce"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     string          `json:"actor"`
	Op        Operation       `json:"op"`
	Payload   json.RawMessage `json:"payload"`
	PublicKey string          `json:"public_key"` // base64 raw ed25519 public key
	Signature string          `json:"signature"`  // base64 raw signature
}

type txSignable struct {
	TxID      string          `json:"tx_id"`
	Nonce     string          `json:"nonce"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     string          `json:"actor"`
	Op        Operation       `json:"op"`
	Payload   json.RawMessage `json:"payload"`
	PublicKey string          `json:"public_key"`
}

// CanonicalBytes returns the deterministic signing payload.
func (t Tx) CanonicalBytes() ([]byte, error) {
	signable := txSignable{
		TxID:      strings.TrimSpace(t.TxID),
		Nonce:     strings.TrimSpace(t.Nonce),
		Timestamp: t.Timestamp.UTC(),
		Actor:     string(match.NormalizeAddress(t.Actor)),
		Op:        t.Op,
		Payload:   t.Payload,
		PublicKey: strings.TrimSpace(t.PublicKey),
	}
	return json.Marshal(signable)
}

// ActorAddress returns the normalized actor.
func (t Tx) ActorAddress() match.Address {
	return match.NormalizeAddress(t.Actor)
}

// ValidateBasic checks required immutable tx fields.
func (t Tx) ValidateBasic() error {
	if strings.TrimSpace(t.TxID) == "" {
		return errors.New("tx_id is required")
	}
	if strings.TrimSpace(t.Nonce) == "" {
		return errors.New("nonce is required")
	}
	if strings.TrimSpace(t.Actor) == "" {
		return errors.New("actor is required")
	}
	if t.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if !IsValidOp(t.Op) {
		return fmt.Errorf("unsupported op: %s", t.Op)
	}
	if len(t.Payload) == 0 {
		return errors.New("payload is required")
	}
	if strings.TrimSpace(t.PublicKey) == "" {
		return errors.New("public_key is required")
	}
	if strings.TrimSpace(t.Signature) == "" {
		return errors.New("signature is required")
	}
	return nil
}

// Sign sets the actor, public key and signature for the given private key.
func (t *Tx) Sign(privateKey ed25519.PrivateKey) error {
	if len(privateKey) != ed25519.PrivateKeySize {
		return errors.New("invalid private key")
	}
	pub := privateKey.Public().(ed25519.PublicKey)
	t.PublicKey = base64.StdEncoding.EncodeToString(pub)
	t.Actor = string(AddressFromPublicKey(pub))
	payload, err := t.CanonicalBytes()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(privateKey, payload)
	t.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// Verify validates the signature and that the actor owns the signing key.
func (t Tx) Verify() error {
	if err := t.ValidateBasic(); err != nil {
		return err
	}
	pubRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(t.PublicKey))
	if err != nil {
		return fmt.Errorf("invalid public_key: %w", err)
	}
	if len(pubRaw) != ed25519.PublicKeySize {
		return errors.New("invalid public_key size")
	}
	if AddressFromPublicKey(pubRaw) != t.ActorAddress() {
		return errors.New("actor does not match public_key")
	}
	sigRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(t.Signature))
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if len(sigRaw) != ed25519.SignatureSize {
		return errors.New("invalid signature size")
	}
	payload, err := t.CanonicalBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pubRaw), payload, sigRaw) {
		return errors.New("signature verification failed")
	}
	return nil
}

// AddressFromPublicKey derives the account address: 0x followed by the
// last 20 bytes of keccak256(pub), hex encoded.
func AddressFromPublicKey(pub ed25519.PublicKey) match.Address {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub)
	sum := h.Sum(nil)
	return match.Address("0x" + hex.EncodeToString(sum[len(sum)-20:]))
}

// DecodePayload decodes operation payloads.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

type MatchCreatePayload struct {
	Token                string `json:"token"`
	Stake                uint64 `json:"stake"`
	Opponent             string `json:"opponent,omitempty"`
	JoinWindowSeconds    int64  `json:"join_window_seconds"`
	ResolveWindowSeconds int64  `json:"resolve_window_seconds"`
	Resolver             string `json:"resolver,omitempty"`
}

// MatchRefPayload targets one match. It is the payload of MATCH_JOIN,
// REFUND_UNJOINED and TIMEOUT_WITHDRAW.
type MatchRefPayload struct {
	MatchID uint64 `json:"match_id"`
}

type ResultSubmitPayload struct {
	MatchID       uint64 `json:"match_id"`
	ClaimedWinner string `json:"claimed_winner"`
}

type RefereeResolvePayload struct {
	MatchID uint64 `json:"match_id"`
	Winner  string `json:"winner"`
}

type SetResolverPayload struct {
	Account string `json:"account"`
	Allowed bool   `json:"allowed"`
}

type SetFeesPayload struct {
	Recipient  string `json:"recipient,omitempty"`
	DefaultBps uint32 `json:"default_bps"`
	MaxBps     uint32 `json:"max_bps"`
}

type TransferOwnershipPayload struct {
	NewOwner string `json:"new_owner"`
}

type TokenMintPayload struct {
	Token  string `json:"token"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

type TokenApprovePayload struct {
	Token   string `json:"token"`
	Spender string `json:"spender"`
	Amount  uint64 `json:"amount"`
}

type TokenTransferPayload struct {
	Token  string `json:"token"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}
