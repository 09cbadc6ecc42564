// Package envelope implements self-certifying post envelopes. Every post
// carries its own throwaway OpenPGP keypair: the post id is the hex
// fingerprint of the public key and the signature covers the payload
// string verbatim, so any node can verify authorship with nothing but
// the envelope itself.
package envelope

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"
)

const (
	// DateFormat matches ECMAScript Date.prototype.toISOString, which the
	// browser clients emit. Milliseconds are always present.
	DateFormat = "2006-01-02T15:04:05.000Z"

	// DefaultKeyBits is the RSA modulus size for newly authored posts.
	DefaultKeyBits = 2048
)

var (
	// ErrMalformed reports an envelope that does not have the required
	// shape. Receiving one over the overlay is a protocol violation.
	ErrMalformed = errors.New("malformed envelope")

	// ErrAuthenticity reports an envelope whose signature does not verify
	// or whose claimed id does not match its public key.
	ErrAuthenticity = errors.New("envelope failed authenticity check")
)

var validate = validator.New()

// Payload is the signed portion of an envelope. The struct field order is
// the serialization order used at authoring time; on the wire the payload
// travels as the exact string that was signed, so verification never
// re-serializes it.
type Payload struct {
	ID        string `json:"id" validate:"required,len=40,hexadecimal"`
	Text      string `json:"text" validate:"required"`
	Latitude  string `json:"latitude"`
	Date      string `json:"date" validate:"required"`
	Longitude string `json:"longitude"`
	Parent    string `json:"parent,omitempty" validate:"omitempty,len=40,hexadecimal"`
}

// Envelope is the wire form of a post. Data holds the signed payload
// string verbatim; signatures do not survive re-serialization, so it is
// never normalized.
type Envelope struct {
	Signature string `json:"signature" validate:"required"`
	PublicKey string `json:"publicKey" validate:"required"`
	ID        string `json:"id" validate:"required"`
	Data      string `json:"data" validate:"required"`
}

// Parsed is an envelope whose payload string has been decoded.
type Parsed struct {
	Envelope
	Payload Payload
	Date    time.Time
}

// Signed is a freshly authored envelope together with the material the
// authoring node keeps: the exact bytes it will gossip and the private
// key, which never leaves the node.
type Signed struct {
	Parsed
	Raw        string
	PrivateKey string
}

// Creator authors envelopes. The zero value uses DefaultKeyBits.
type Creator struct {
	Bits int

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Create generates a keypair for the post, signs the payload string and
// returns the sealed envelope. parent is empty for top-level posts.
func (c Creator) Create(text, latitude, longitude, parent string) (*Signed, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", ErrMalformed)
	}
	bits := c.Bits
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	entity, err := openpgp.NewEntity("pasture", "", "", &packet.Config{RSABits: bits})
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}

	// SerializePrivate must run before Serialize: it is what signs the
	// entity's identities, and Serialize on an unsigned entity produces a
	// key ring other implementations reject.
	privArmor, err := armorEntity(openpgp.PrivateKeyType, func(w io.Writer) error {
		return entity.SerializePrivate(w, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("serialize private key: %w", err)
	}
	pubArmor, err := armorEntity(openpgp.PublicKeyType, entity.Serialize)
	if err != nil {
		return nil, fmt.Errorf("serialize public key: %w", err)
	}

	id := hex.EncodeToString(entity.PrimaryKey.Fingerprint[:])

	created := now().UTC()
	payload := Payload{
		ID:        id,
		Text:      text,
		Latitude:  latitude,
		Date:      created.Format(DateFormat),
		Longitude: longitude,
		Parent:    parent,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var sig bytes.Buffer
	if err := openpgp.ArmoredDetachSignText(&sig, entity, bytes.NewReader(payloadJSON), nil); err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}

	env := Envelope{
		Signature: sig.String(),
		PublicKey: pubArmor,
		ID:        id,
		Data:      string(payloadJSON),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return &Signed{
		Parsed:     Parsed{Envelope: env, Payload: payload, Date: created.Truncate(time.Millisecond)},
		Raw:        string(raw),
		PrivateKey: privArmor,
	}, nil
}

func armorEntity(blockType string, serialize func(io.Writer) error) (string, error) {
	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, blockType, nil)
	if err != nil {
		return "", err
	}
	if err := serialize(aw); err != nil {
		return "", err
	}
	if err := aw.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Parse decodes raw and its payload string and checks their shape without
// verifying the signature. Shape failures wrap ErrMalformed.
func Parse(raw string) (*Parsed, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var payload Payload
	if err := json.Unmarshal([]byte(env.Data), &payload); err != nil {
		return nil, fmt.Errorf("%w: bad payload: %v", ErrMalformed, err)
	}
	if err := validate.Struct(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	date, err := ParseDate(payload.Date)
	if err != nil {
		return nil, fmt.Errorf("%w: bad date %q", ErrMalformed, payload.Date)
	}
	return &Parsed{Envelope: env, Payload: payload, Date: date}, nil
}

// Verify parses raw and checks the envelope's authenticity. The returned
// envelope's id is always the fingerprint recomputed from the public key;
// the claimed ids must match it or verification fails.
func Verify(raw string) (*Parsed, error) {
	parsed, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	keyring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(parsed.PublicKey))
	if err != nil || len(keyring) == 0 {
		return nil, fmt.Errorf("%w: unreadable public key", ErrAuthenticity)
	}

	signer, err := openpgp.CheckArmoredDetachedSignature(keyring, strings.NewReader(parsed.Data), strings.NewReader(parsed.Signature))
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature", ErrAuthenticity)
	}

	id := hex.EncodeToString(signer.PrimaryKey.Fingerprint[:])
	if id != strings.ToLower(parsed.ID) || id != strings.ToLower(parsed.Payload.ID) {
		return nil, fmt.Errorf("%w: claimed id does not match key fingerprint", ErrAuthenticity)
	}
	parsed.ID = id
	parsed.Payload.ID = id
	return parsed, nil
}

// ParseDate accepts the canonical toISOString form and, for envelopes
// authored by other implementations, plain RFC 3339.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(DateFormat, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
