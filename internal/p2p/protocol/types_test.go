package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestTxSignAndVerify(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payload, _ := json.Marshal(MatchCreatePayload{
		Token:                "USDC",
		Stake:                100,
		JoinWindowSeconds:    60,
		ResolveWindowSeconds: 300,
	})
	tx := Tx{
		TxID:      "tx-1",
		Nonce:     "n1",
		Timestamp: time.Now().UTC(),
		Op:        OpMatchCreate,
		Payload:   payload,
	}
	if err := tx.Sign(priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := tx.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}

	tampered := tx
	tampered.Payload = json.RawMessage(`{"token":"USDC","stake":1}`)
	if err := tampered.Verify(); err == nil {
		t.Fatalf("expected verify failure after tamper")
	}
}

func TestVerifyRejectsForeignActor(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	tx := Tx{
		TxID:      "tx-2",
		Nonce:     "n2",
		Timestamp: time.Now().UTC(),
		Op:        OpMatchJoin,
		Payload:   json.RawMessage(`{"match_id":1}`),
	}
	if err := tx.Sign(priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	tx.Actor = "0x0000000000000000000000000000000000000001"
	err := tx.Verify()
	if err == nil || !strings.Contains(err.Error(), "actor does not match") {
		t.Fatalf("expected actor mismatch, got %v", err)
	}
}

func TestAddressFromPublicKey(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	addr := AddressFromPublicKey(pub)
	if len(addr) != 42 || !strings.HasPrefix(string(addr), "0x") {
		t.Fatalf("unexpected address %q", addr)
	}
	if AddressFromPublicKey(pub) != addr {
		t.Fatalf("address derivation is not deterministic")
	}
}

func TestValidateBasicRejectsUnknownOp(t *testing.T) {
	tx := Tx{TxID: "x", Nonce: "n", Actor: "0xa", Timestamp: time.Now(), Op: "SESSION_CREATE", Payload: json.RawMessage(`{}`), PublicKey: "k", Signature: "s"}
	if err := tx.ValidateBasic(); err == nil {
		t.Fatalf("expected unsupported op error")
	}
}
