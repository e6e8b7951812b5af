package tunnel

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"

	"lanrage/internal/lanerr"
)

// KeyPair is a WireGuard X25519 key pair, base64-encoded the way `wg`
// and WireGuard config files expect.
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

// GenerateKeyPair generates a fresh X25519 key pair, clamping the
// private scalar per RFC 7748 / the WireGuard key-generation convention
// (the curve25519 package does this internally via ScalarBaseMult).
func GenerateKeyPair() (KeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return KeyPair{}, lanerr.Wrap(lanerr.KindWireGuard, "generate private key", err)
	}
	// Clamp per RFC 7748 §5.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, lanerr.Wrap(lanerr.KindWireGuard, "derive public key", err)
	}

	return KeyPair{
		PrivateKey: base64.StdEncoding.EncodeToString(priv[:]),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
	}, nil
}

// LoadOrGenerateKeyPair reads a private key from keysDir/private.key,
// deriving the matching public key, or generates and persists a fresh
// pair if none exists yet. Keys are written at 0600.
func LoadOrGenerateKeyPair(keysDir string) (KeyPair, error) {
	privPath := filepath.Join(keysDir, "private.key")
	pubPath := filepath.Join(keysDir, "public.key")

	if data, err := os.ReadFile(privPath); err == nil {
		priv, decErr := base64.StdEncoding.DecodeString(string(data))
		if decErr != nil || len(priv) != 32 {
			return KeyPair{}, lanerr.New(lanerr.KindWireGuard, "private.key is corrupt")
		}
		pub, err := curve25519.X25519(priv, curve25519.Basepoint)
		if err != nil {
			return KeyPair{}, lanerr.Wrap(lanerr.KindWireGuard, "derive public key", err)
		}
		return KeyPair{
			PrivateKey: string(data),
			PublicKey:  base64.StdEncoding.EncodeToString(pub),
		}, nil
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return KeyPair{}, err
	}
	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return KeyPair{}, lanerr.Wrap(lanerr.KindWireGuard, "create keys_dir", err)
	}
	if err := os.WriteFile(privPath, []byte(kp.PrivateKey), 0o600); err != nil {
		return KeyPair{}, lanerr.Wrap(lanerr.KindWireGuard, "write private.key", err)
	}
	if err := os.WriteFile(pubPath, []byte(kp.PublicKey), 0o644); err != nil {
		return KeyPair{}, lanerr.Wrap(lanerr.KindWireGuard, "write public.key", err)
	}
	return kp, nil
}
