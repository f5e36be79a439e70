package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/execution-hub/duel-escrow/internal/domain/match"
	"github.com/execution-hub/duel-escrow/internal/p2p/protocol"
)

const keysBucket = "keys"

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrKeyExists   = errors.New("key already exists")
	ErrInvalidSeed = errors.New("invalid ed25519 seed")
)

// Key is a named signing identity.
type Key struct {
	Name      string             `json:"name"`
	Address   match.Address      `json:"address"`
	PublicKey string             `json:"public_key"`
	CreatedAt time.Time          `json:"created_at"`
	private   ed25519.PrivateKey
}

// PrivateKey returns the signing key.
func (k Key) PrivateKey() ed25519.PrivateKey {
	return k.private
}

type record struct {
	Name      string    `json:"name"`
	Seed      string    `json:"seed"`
	CreatedAt time.Time `json:"created_at"`
}

// Keyring keeps ed25519 seeds in a local bolt file.
type Keyring struct {
	db *bolt.DB
}

func Open(path string) (*Keyring, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create keyring dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(keysBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize keyring: %w", err)
	}
	return &Keyring{db: db}, nil
}

func (k *Keyring) Close() error {
	return k.db.Close()
}

// Create generates a fresh key under name.
func (k *Keyring) Create(name string) (Key, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return Key{}, err
	}
	return k.put(name, seed)
}

// Import stores a hex encoded seed under name.
func (k *Keyring) Import(name, seedHex string) (Key, error) {
	seed, err := DecodeSeed(seedHex)
	if err != nil {
		return Key{}, err
	}
	return k.put(name, seed)
}

func (k *Keyring) put(name string, seed []byte) (Key, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Key{}, errors.New("key name is required")
	}
	rec := record{Name: name, Seed: hex.EncodeToString(seed), CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return Key{}, err
	}
	err = k.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(keysBucket))
		if b.Get([]byte(name)) != nil {
			return ErrKeyExists
		}
		return b.Put([]byte(name), data)
	})
	if err != nil {
		return Key{}, err
	}
	return rec.key()
}

func (k *Keyring) Get(name string) (Key, error) {
	var rec record
	err := k.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(keysBucket)).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, name)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return Key{}, err
	}
	return rec.key()
}

// List returns every key ordered by name.
func (k *Keyring) List() ([]Key, error) {
	var keys []Key
	err := k.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keysBucket)).ForEach(func(_, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			key, err := rec.key()
			if err != nil {
				return err
			}
			keys = append(keys, key)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	return keys, nil
}

func (k *Keyring) Delete(name string) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(keysBucket))
		if b.Get([]byte(name)) == nil {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, name)
		}
		return b.Delete([]byte(name))
	})
}

func (r record) key() (Key, error) {
	seed, err := DecodeSeed(r.Seed)
	if err != nil {
		return Key{}, err
	}
	return newKey(r.Name, seed, r.CreatedAt), nil
}

// FromSeed builds an unnamed key from a hex seed, e.g. one read from the
// environment.
func FromSeed(seedHex string) (Key, error) {
	seed, err := DecodeSeed(seedHex)
	if err != nil {
		return Key{}, err
	}
	return newKey("", seed, time.Time{}), nil
}

func DecodeSeed(seedHex string) ([]byte, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(seedHex), "0x"))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidSeed
	}
	return seed, nil
}

func newKey(name string, seed []byte, createdAt time.Time) Key {
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return Key{
		Name:      name,
		Address:   protocol.AddressFromPublicKey(pub),
		PublicKey: hex.EncodeToString(pub),
		CreatedAt: createdAt,
		private:   priv,
	}
}
