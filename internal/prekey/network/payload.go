package network

import (
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/domain"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/keygen"
)

type keyEnvelope struct {
	KeyID     uint32 `json:"keyId" validate:"required,max=16777215"`
	PublicKey []byte `json:"publicKey" validate:"required"`
}

type signedKeyEnvelope struct {
	KeyID     uint32 `json:"keyId" validate:"required,max=16777215"`
	PublicKey []byte `json:"publicKey" validate:"required"`
	Signature []byte `json:"signature" validate:"len=64"`
}

// uploadPayload is the JSON body of PUT /v2/keys. Absent fields leave the
// server's copy of that key class untouched.
type uploadPayload struct {
	IdentityKey        []byte              `json:"identityKey" validate:"len=32"`
	SignedPreKey       *signedKeyEnvelope  `json:"signedPreKey,omitempty"`
	PqLastResortPreKey *signedKeyEnvelope  `json:"pqLastResortPreKey,omitempty"`
	PreKeys            []keyEnvelope       `json:"preKeys,omitempty" validate:"omitempty,dive"`
	PqPreKeys          []signedKeyEnvelope `json:"pqPreKeys,omitempty" validate:"omitempty,dive"`
}

func newUploadPayload(bundle domain.UploadBundle) (uploadPayload, error) {
	p := uploadPayload{IdentityKey: bundle.IdentityKey}

	signed, ok, err := bundle.SignedPreKey.Get()
	if err != nil {
		return uploadPayload{}, err
	}
	if ok {
		env := signedEnvelope(signed)
		p.SignedPreKey = &env
	}

	lastResort, ok, err := bundle.LastResortPreKey.Get()
	if err != nil {
		return uploadPayload{}, err
	}
	if ok {
		env := signedEnvelope(lastResort)
		p.PqLastResortPreKey = &env
	}

	oneTime, ok, err := bundle.OneTimePreKeys.Get()
	if err != nil {
		return uploadPayload{}, err
	}
	if ok {
		for _, k := range oneTime {
			p.PreKeys = append(p.PreKeys, keyEnvelope{
				KeyID:     k.ID,
				PublicKey: keygen.SerializePublicKey(k.Class, k.PublicKey),
			})
		}
	}

	kyber, ok, err := bundle.OneTimeKyberPreKeys.Get()
	if err != nil {
		return uploadPayload{}, err
	}
	if ok {
		for _, k := range kyber {
			p.PqPreKeys = append(p.PqPreKeys, signedEnvelope(k))
		}
	}

	return p, nil
}

func signedEnvelope(k domain.PreKey) signedKeyEnvelope {
	return signedKeyEnvelope{
		KeyID:     k.ID,
		PublicKey: keygen.SerializePublicKey(k.Class, k.PublicKey),
		Signature: k.Signature,
	}
}
