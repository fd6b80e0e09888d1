package keygen

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/kyber/kyber768"
	"golang.org/x/crypto/curve25519"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/clock"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/domain"
)

const (
	ecKeyType    byte = 0x05
	kyberKeyType byte = 0x08
)

// Generator produces key material. It performs no I/O; ids come from the caller.
type Generator struct {
	rand   io.Reader
	signer Signer
	clock  clock.Clock
}

func NewGenerator(signer Signer, clock clock.Clock) *Generator {
	return NewGeneratorWithRand(rand.Reader, signer, clock)
}

func NewGeneratorWithRand(r io.Reader, signer Signer, clock clock.Clock) *Generator {
	return &Generator{
		rand:   r,
		signer: signer,
		clock:  clock,
	}
}

func (g *Generator) Signer() Signer {
	return g.signer
}

func (g *Generator) GenerateIdentityKeyPair() (domain.IdentityKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(g.rand)
	if err != nil {
		return domain.IdentityKeyPair{}, fmt.Errorf("keygen: generate identity key: %w", err)
	}
	return domain.IdentityKeyPair{
		PublicKey:  pub,
		PrivateKey: priv,
		CreatedAt:  g.clock.Now(),
	}, nil
}

func (g *Generator) GenerateSignedPreKey(identity domain.Identity, pair domain.IdentityKeyPair, id uint32) (domain.PreKey, error) {
	pub, priv, err := g.generateX25519()
	if err != nil {
		return domain.PreKey{}, err
	}

	sig, err := g.signer.Sign(pair.PrivateKey, SerializePublicKey(domain.KeyClassSigned, pub))
	if err != nil {
		return domain.PreKey{}, fmt.Errorf("keygen: sign EC key: %w", err)
	}

	return g.newKey(identity, domain.KeyClassSigned, id, pub, priv, sig), nil
}

func (g *Generator) GenerateLastResortKyberPreKey(identity domain.Identity, pair domain.IdentityKeyPair, id uint32) (domain.PreKey, error) {
	return g.generateKyber(identity, domain.KeyClassLastResortKyber, pair, id)
}

func (g *Generator) GenerateOneTimePreKeys(identity domain.Identity, ids []uint32) ([]domain.PreKey, error) {
	keys := make([]domain.PreKey, 0, len(ids))
	for _, id := range ids {
		pub, priv, err := g.generateX25519()
		if err != nil {
			return nil, err
		}
		keys = append(keys, g.newKey(identity, domain.KeyClassOneTime, id, pub, priv, nil))
	}
	return keys, nil
}

func (g *Generator) GenerateOneTimeKyberPreKeys(identity domain.Identity, pair domain.IdentityKeyPair, ids []uint32) ([]domain.PreKey, error) {
	keys := make([]domain.PreKey, 0, len(ids))
	for _, id := range ids {
		k, err := g.generateKyber(identity, domain.KeyClassOneTimeKyber, pair, id)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (g *Generator) generateKyber(identity domain.Identity, class domain.KeyClass, pair domain.IdentityKeyPair, id uint32) (domain.PreKey, error) {
	pk, sk, err := kyber768.GenerateKeyPair(g.rand)
	if err != nil {
		return domain.PreKey{}, fmt.Errorf("keygen: generate Kyber key: %w", err)
	}

	pub := make([]byte, kyber768.PublicKeySize)
	pk.Pack(pub)
	priv := make([]byte, kyber768.PrivateKeySize)
	sk.Pack(priv)

	sig, err := g.signer.Sign(pair.PrivateKey, SerializePublicKey(class, pub))
	if err != nil {
		return domain.PreKey{}, fmt.Errorf("keygen: sign Kyber key: %w", err)
	}

	return g.newKey(identity, class, id, pub, priv, sig), nil
}

func (g *Generator) generateX25519() ([]byte, []byte, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(g.rand, priv); err != nil {
		return nil, nil, fmt.Errorf("keygen: read EC scalar: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("keygen: derive EC public key: %w", err)
	}
	return pub, priv, nil
}

func (g *Generator) newKey(identity domain.Identity, class domain.KeyClass, id uint32, pub, priv, sig []byte) domain.PreKey {
	return domain.PreKey{
		Identity:   identity,
		Class:      class,
		ID:         id,
		PublicKey:  pub,
		PrivateKey: priv,
		Signature:  sig,
		CreatedAt:  g.clock.Now(),
		State:      domain.KeyStatePending,
	}
}

// SerializePublicKey prefixes the key type byte; signatures cover this form.
func SerializePublicKey(class domain.KeyClass, pub []byte) []byte {
	t := ecKeyType
	if class.Kyber() {
		t = kyberKeyType
	}
	out := make([]byte, 0, len(pub)+1)
	out = append(out, t)
	return append(out, pub...)
}
