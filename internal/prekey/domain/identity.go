package domain

import (
	"strings"

	commonerrors "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/errors"
)

// Identity partitions all key material. The zero value is not a valid identity.
type Identity int

const (
	Primary Identity = iota + 1
	Secondary
)

var AllIdentities = []Identity{Primary, Secondary}

func (i Identity) String() string {
	switch i {
	case Primary:
		return "aci"
	case Secondary:
		return "pni"
	default:
		return "unknown"
	}
}

func (i Identity) Valid() bool {
	return i == Primary || i == Secondary
}

func ParseIdentity(s string) (Identity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "aci", "primary":
		return Primary, nil
	case "pni", "secondary":
		return Secondary, nil
	default:
		return 0, commonerrors.ErrInvalidIdentity
	}
}

type KeyClass int

const (
	KeyClassSigned KeyClass = iota + 1
	KeyClassLastResortKyber
	KeyClassOneTime
	KeyClassOneTimeKyber
)

var AllKeyClasses = []KeyClass{KeyClassSigned, KeyClassLastResortKyber, KeyClassOneTime, KeyClassOneTimeKyber}

func (c KeyClass) String() string {
	switch c {
	case KeyClassSigned:
		return "signed"
	case KeyClassLastResortKyber:
		return "last_resort_kyber"
	case KeyClassOneTime:
		return "one_time"
	case KeyClassOneTimeKyber:
		return "one_time_kyber"
	default:
		return "unknown"
	}
}

func ParseKeyClass(s string) (KeyClass, bool) {
	for _, c := range AllKeyClasses {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// SingleCurrent classes keep exactly one current key per identity.
func (c KeyClass) SingleCurrent() bool {
	return c == KeyClassSigned || c == KeyClassLastResortKyber
}

// Consumable classes form pools that peers draw from.
func (c KeyClass) Consumable() bool {
	return c == KeyClassOneTime || c == KeyClassOneTimeKyber
}

func (c KeyClass) Kyber() bool {
	return c == KeyClassLastResortKyber || c == KeyClassOneTimeKyber
}

func (c KeyClass) Signed() bool {
	return c != KeyClassOneTime
}

type KeyState string

const (
	KeyStatePending    KeyState = "pending"
	KeyStateCurrent    KeyState = "current"
	KeyStateSuperseded KeyState = "superseded"
	KeyStateConsumed   KeyState = "consumed"
)
