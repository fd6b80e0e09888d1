package keygen

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	commonerrors "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/errors"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/domain"
)

// Signer endorses a public key with an identity private key.
type Signer interface {
	Sign(privateKey []byte, publicKey []byte) ([]byte, error)
}

type Ed25519Signer struct{}

func NewEd25519Signer() *Ed25519Signer {
	return &Ed25519Signer{}
}

func (s *Ed25519Signer) Sign(privateKey []byte, publicKey []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, commonerrors.ErrInvalidSuppliedKeyMaterial.WithCause(
			fmt.Errorf("identity private key is %d bytes, want %d", len(privateKey), ed25519.PrivateKeySize),
		)
	}

	derived := ed25519.NewKeyFromSeed(privateKey[:ed25519.SeedSize])
	if !bytes.Equal(derived[ed25519.SeedSize:], privateKey[ed25519.SeedSize:]) {
		return nil, commonerrors.ErrInvalidSuppliedKeyMaterial.WithCause(
			fmt.Errorf("identity private key does not match its public half"),
		)
	}

	return ed25519.Sign(ed25519.PrivateKey(privateKey), publicKey), nil
}

func Verify(identityKey ed25519.PublicKey, publicKey, signature []byte) bool {
	if len(identityKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(identityKey, publicKey, signature)
}

// ValidateIdentityKeyPair makes a trial signature with the pair and checks it
// against the public half.
func ValidateIdentityKeyPair(signer Signer, pair domain.IdentityKeyPair) error {
	if len(pair.PublicKey) != ed25519.PublicKeySize {
		return commonerrors.ErrInvalidSuppliedKeyMaterial.WithCause(
			fmt.Errorf("identity public key is %d bytes, want %d", len(pair.PublicKey), ed25519.PublicKeySize),
		)
	}

	challenge := []byte("prekey identity challenge")
	sig, err := signer.Sign(pair.PrivateKey, challenge)
	if err != nil {
		if _, ok := commonerrors.AsDomainError(err); ok {
			return err
		}
		return commonerrors.ErrInvalidSuppliedKeyMaterial.WithCause(err)
	}
	if !Verify(pair.PublicKey, challenge, sig) {
		return commonerrors.ErrInvalidSuppliedKeyMaterial.WithCause(
			fmt.Errorf("identity key pair halves do not match"),
		)
	}
	return nil
}
