// Package identity manages a node's long-term signing keypair and the
// proof-of-work nonce that gates admission into the gossip fabric.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"
)

const (
	keyDirName     = "keys"
	signingKeyName = "ed25519.key"
	signingPubName = "ed25519.pub"
	pemTypePriv    = "ED25519 PRIVATE KEY"
	pemTypePub     = "ED25519 PUBLIC KEY"
	keyDirPerm     = 0o700
	keyFilePerm    = 0o600
)

// ID is a node's 32-byte public signing key, used as its stable identifier.
type ID [ed25519.PublicKeySize]byte

func (id ID) String() string { return hex.EncodeToString(id[:]) }

func (id ID) Bytes() []byte { return id[:] }

// Identity holds a node's keypair, its derived ID, and the proof-of-work
// nonce solved for that ID.
type Identity struct {
	Priv  ed25519.PrivateKey
	Pub   ed25519.PublicKey
	ID    ID
	Nonce uint64
}

// Generate creates a fresh signing keypair with no persistence, then solves
// proof-of-work for the resulting ID.
func Generate(difficulty int) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return newIdentity(priv, pub, difficulty)
}

// LoadOrGenerate loads a persisted keypair from stateDir/keys, generating and
// persisting one if absent. The proof-of-work nonce is always re-solved,
// since it is cheap and the wire protocol carries no nonce-persistence
// guarantee.
func LoadOrGenerate(stateDir string, difficulty int) (*Identity, error) {
	log := zap.S().Named("identity")
	dir := filepath.Join(stateDir, keyDirName)
	privPath := filepath.Join(dir, signingKeyName)
	pubPath := filepath.Join(dir, signingPubName)

	priv, pub, err := loadKeypair(privPath, pubPath)
	switch {
	case err == nil:
		log.Debugw("loaded persisted keypair", "dir", dir)
	case errors.Is(err, os.ErrNotExist):
		log.Infow("no persisted keypair found, generating", "dir", dir)
		pub, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate keypair: %w", err)
		}
		if err := persistKeypair(dir, privPath, pubPath, priv, pub); err != nil {
			return nil, fmt.Errorf("persist keypair: %w", err)
		}
	default:
		return nil, fmt.Errorf("load keypair: %w", err)
	}

	return newIdentity(priv, pub, difficulty)
}

func newIdentity(priv ed25519.PrivateKey, pub ed25519.PublicKey, difficulty int) (*Identity, error) {
	id := ID(pub)
	nonce, err := solvePow(id, difficulty)
	if err != nil {
		return nil, fmt.Errorf("solve proof of work: %w", err)
	}
	return &Identity{Priv: priv, Pub: pub, ID: id, Nonce: nonce}, nil
}

func loadKeypair(privPath, pubPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	privEnc, err := os.ReadFile(privPath)
	if err != nil {
		return nil, nil, err
	}
	pubEnc, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, nil, err
	}

	block, _ := pem.Decode(privEnc)
	if block == nil || block.Type != pemTypePriv {
		return nil, nil, errors.New("invalid private key PEM")
	}
	priv := ed25519.NewKeyFromSeed(block.Bytes)

	block, _ = pem.Decode(pubEnc)
	if block == nil || block.Type != pemTypePub {
		return nil, nil, errors.New("invalid public key PEM")
	}
	pub := ed25519.PublicKey(block.Bytes)

	return priv, pub, nil
}

func persistKeypair(dir, privPath, pubPath string, priv ed25519.PrivateKey, pub ed25519.PublicKey) error {
	if err := os.MkdirAll(dir, keyDirPerm); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: pemTypePriv, Bytes: priv.Seed()})
	if err := renameio.WriteFile(privPath, privPEM, keyFilePerm); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	pubPEM := pem.EncodeToMemory(&pem.Block{Type: pemTypePub, Bytes: pub})
	if err := renameio.WriteFile(pubPath, pubPEM, keyFilePerm); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	return nil
}

// Sign signs msg with the identity's private key.
func (n *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(n.Priv, msg)
}

// Verify checks sig over msg against the public key derived from id.
func Verify(id ID, msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(id.Bytes()), msg, sig)
}

// solvePow finds a nonce such that sha256(id || nonce) has at least
// difficulty leading zero bits.
func solvePow(id ID, difficulty int) (uint64, error) {
	if difficulty <= 0 {
		return 0, nil
	}
	var nonce uint64
	for {
		if leadingZeroBits(powHash(id, nonce)) >= difficulty {
			return nonce, nil
		}
		nonce++
		if nonce == 0 {
			return 0, errors.New("exhausted nonce space without satisfying difficulty target")
		}
	}
}

// VerifyPow reports whether nonce satisfies the difficulty target for id.
func VerifyPow(id ID, nonce uint64, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	return leadingZeroBits(powHash(id, nonce)) >= difficulty
}

func powHash(id ID, nonce uint64) [32]byte {
	var buf [ed25519.PublicKeySize + 8]byte
	copy(buf[:], id.Bytes())
	for i := 0; i < 8; i++ {
		buf[ed25519.PublicKeySize+i] = byte(nonce >> (8 * i))
	}
	return sha256.Sum256(buf[:])
}

func leadingZeroBits(h [32]byte) int {
	var n int
	for _, b := range h {
		if b == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(b)
		break
	}
	return n
}
