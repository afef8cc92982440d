package ledger

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/veridian-labs/actiongate/pkg/canonicalize"
)

// Checkpoint is a signed statement of the ledger head at a point in time.
// Publishing checkpoints to an external anchor makes rollback of the whole
// chain detectable, not just in-chain mutation.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Checkpoint struct {
	Seq       uint64    `json:"seq"`
	EntryHash string    `json:"entry_hash"`
	At        time.Time `json:"at"`
	PublicKey string    `json:"public_key"`
	Signature string    `json:"signature"`
}

// CheckpointSigner signs head checkpoints with an Ed25519 key derived from a
// master secret via HKDF. Derivation is deterministic: the same secret always
// yields the same key, so verifiers only need the published public key.
type CheckpointSigner struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	clock func() time.Time
}

// hkdfInfo domain-separates the checkpoint key from any other use of the
// master secret.
const hkdfInfo = "actiongate/ledger-checkpoint/v1"

// NewCheckpointSigner derives the signing key from the master secret.
func NewCheckpointSigner(masterSecret []byte) (*CheckpointSigner, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("ledger: checkpoint master secret is required")
	}
	kdf := hkdf.New(sha256.New, masterSecret, nil, []byte(hkdfInfo))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(kdf, seed); err != nil {
		return nil, fmt.Errorf("ledger: derive checkpoint key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &CheckpointSigner{
		priv:  priv,
		pub:   priv.Public().(ed25519.PublicKey),
		clock: time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *CheckpointSigner) WithClock(clock func() time.Time) *CheckpointSigner {
	s.clock = clock
	return s
}

// PublicKey returns the hex-encoded verification key.
func (s *CheckpointSigner) PublicKey() string {
	return hex.EncodeToString(s.pub)
}

// Sign produces a checkpoint for the current ledger head. An empty ledger
// yields a checkpoint at seq 0 over the genesis hash.
func (s *CheckpointSigner) Sign(ctx context.Context, l Ledger) (Checkpoint, error) {
	cp := Checkpoint{EntryHash: GenesisHash, At: s.clock(), PublicKey: s.PublicKey()}
	head, ok, err := l.Head(ctx)
	if err != nil {
		return Checkpoint{}, err
	}
	if ok {
		cp.Seq = head.Seq
		cp.EntryHash = head.EntryHash
	}

	msg, err := checkpointMessage(cp)
	if err != nil {
		return Checkpoint{}, err
	}
	cp.Signature = hex.EncodeToString(ed25519.Sign(s.priv, msg))
	return cp, nil
}

// VerifyCheckpoint checks a checkpoint's signature against its embedded key.
func VerifyCheckpoint(cp Checkpoint) error {
	pub, err := hex.DecodeString(cp.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("ledger: malformed checkpoint public key")
	}
	sig, err := hex.DecodeString(cp.Signature)
	if err != nil {
		return fmt.Errorf("ledger: malformed checkpoint signature")
	}
	msg, err := checkpointMessage(cp)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		return fmt.Errorf("ledger: checkpoint signature invalid")
	}
	return nil
}

// checkpointMessage is the canonical signing input: the checkpoint without
// its signature field.
func checkpointMessage(cp Checkpoint) ([]byte, error) {
	unsigned := cp
	unsigned.Signature = ""
	return canonicalize.Canonical(unsigned)
}
