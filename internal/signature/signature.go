// Package signature verifies marketplace callback payloads signed with a shared secret.
//
// The remote party signs the compact JSON body with the "hash" member removed:
// hash = hex(sha256(body + secret)). Member order and escaping must be preserved
// byte for byte, so the body is never decoded and re-encoded.
package signature

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

// HashField is the payload member carrying the signature.
const HashField = "hash"

// Rejection reasons reported in Result.Reason.
const (
	ReasonNotObject   = "not_object"
	ReasonMissingHash = "missing_hash"
	ReasonNoSecret    = "no_secret"
	ReasonMismatch    = "mismatch"
)

var (
	// ErrNotObject is returned by Sign when the payload is not a JSON object.
	ErrNotObject = errors.New("payload is not a JSON object")
	// ErrNoSecret is returned by Validator.Sign when no secret is configured.
	ErrNoSecret = errors.New("no shared secret configured")
)

// Result describes the outcome of a verification.
// Given and Computed are meant for operator logs only.
type Result struct {
	Valid    bool
	Reason   string
	Given    string
	Computed string
}

// Validator checks callback signatures against a shared secret.
type Validator struct {
	secret string
}

// NewValidator creates a Validator. An empty secret rejects every payload.
func NewValidator(secret string) *Validator {
	return &Validator{secret: secret}
}

// Configured reports whether a shared secret is set.
func (v *Validator) Configured() bool {
	return v.secret != ""
}

// Valid reports whether raw carries a correct signature.
func (v *Validator) Valid(raw []byte) bool {
	return v.Verify(raw).Valid
}

// Verify checks raw and returns the full result. It never panics on bad input.
func (v *Validator) Verify(raw []byte) Result {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return Result{Reason: ReasonNotObject}
	}
	given := gjson.GetBytes(raw, HashField)
	if given.Type != gjson.String {
		return Result{Reason: ReasonMissingHash}
	}
	res := Result{Given: given.Str}
	if v.secret == "" {
		res.Reason = ReasonNoSecret
		return res
	}

	canonical, err := Canonical(raw)
	if err != nil {
		res.Reason = ReasonNotObject
		return res
	}
	res.Computed = Digest(canonical, v.secret)

	want := []byte(res.Computed)
	got := []byte(strings.ToLower(res.Given))
	if subtle.ConstantTimeCompare(want, got) != 1 {
		res.Reason = ReasonMismatch
		return res
	}
	res.Valid = true
	return res
}

// Sign signs raw with the validator's secret.
func (v *Validator) Sign(raw []byte) ([]byte, error) {
	if v.secret == "" {
		return nil, ErrNoSecret
	}
	return Sign(raw, v.secret)
}

// Canonical returns the signed representation of raw: whitespace removed and the
// hash member deleted, other members left in their original order.
func Canonical(raw []byte) ([]byte, error) {
	compact := pretty.Ugly(raw)
	out, err := sjson.DeleteBytes(compact, HashField)
	if err != nil {
		return nil, fmt.Errorf("failed to remove %s member: %w", HashField, err)
	}
	return out, nil
}

// Digest computes hex(sha256(canonical + secret)) in lower case.
func Digest(canonical []byte, secret string) string {
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

// Sign returns raw in canonical form with a hash member appended.
func Sign(raw []byte, secret string) ([]byte, error) {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return nil, ErrNotObject
	}
	canonical, err := Canonical(raw)
	if err != nil {
		return nil, err
	}
	signed, err := sjson.SetBytes(canonical, HashField, Digest(canonical, secret))
	if err != nil {
		return nil, fmt.Errorf("failed to set %s member: %w", HashField, err)
	}
	return signed, nil
}
