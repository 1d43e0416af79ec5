package safety

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

// Role names which secret a code is checked against.
type Role string

const (
	RolePrimary  Role = "primary"
	RoleOverride Role = "override"
)

// Verifier checks an authorization code for a role. Implementations must reject
// empty codes.
type Verifier interface {
	VerifyCode(role Role, code string) bool
}

// StaticVerifier compares against secrets held in memory. Bypass codes are
// accepted for the primary role only, so live enablement still needs the override.
type StaticVerifier struct {
	primary  string
	override string
	bypass   []string
}

func NewStaticVerifier(primary, override string, bypass []string) *StaticVerifier {
	return &StaticVerifier{primary: primary, override: override, bypass: bypass}
}

func (v *StaticVerifier) VerifyCode(role Role, code string) bool {
	if code == "" {
		return false
	}
	switch role {
	case RolePrimary:
		if equal(code, v.primary) {
			return true
		}
		for _, b := range v.bypass {
			if equal(code, b) {
				return true
			}
		}
		return false
	case RoleOverride:
		return equal(code, v.override)
	default:
		return false
	}
}

func equal(code, secret string) bool {
	if secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(code), []byte(secret)) == 1
}

// BcryptVerifier checks codes against per-role bcrypt hashes.
type BcryptVerifier struct {
	hashes map[Role][]byte
}

func NewBcryptVerifier(primaryHash, overrideHash string) *BcryptVerifier {
	h := make(map[Role][]byte, 2)
	if primaryHash != "" {
		h[RolePrimary] = []byte(primaryHash)
	}
	if overrideHash != "" {
		h[RoleOverride] = []byte(overrideHash)
	}
	return &BcryptVerifier{hashes: h}
}

func (v *BcryptVerifier) VerifyCode(role Role, code string) bool {
	hash, ok := v.hashes[role]
	if !ok || code == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(code)) == nil
}

// HashCode produces a bcrypt hash suitable for KILL_SWITCH_*_HASH.
func HashCode(code string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
