// Package cursor encodes keyset pagination positions as opaque, signed
// tokens. A token identifies the last item of a page by its sort keys, so
// the next page starts strictly after it regardless of concurrent inserts.
package cursor

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrInvalidCursor is returned for any token that did not come from Encode
// with the same key and format version.
var ErrInvalidCursor = errors.New("invalid cursor")

const (
	version = 1
	macSize = sha256.Size
)

// Position is the sort key of the last item on a page.
type Position struct {
	Rating float64
	ID     string
}

type payload struct {
	_msgpack struct{} `msgpack:",as_array"`
	Version  uint8
	Rating   float64
	ID       string
}

// Codec signs and verifies cursor tokens.
type Codec struct {
	key []byte
}

// NewCodec creates a codec that signs tokens with key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) == 0 {
		return nil, errors.New("cursor: signing key is empty")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Codec{key: k}, nil
}

// Encode returns the token for pos.
func (c *Codec) Encode(pos Position) (string, error) {
	if math.IsNaN(pos.Rating) || math.IsInf(pos.Rating, 0) {
		return "", fmt.Errorf("cursor: rating %v is not finite", pos.Rating)
	}
	if pos.ID == "" {
		return "", errors.New("cursor: empty id")
	}

	body, err := msgpack.Marshal(&payload{Version: version, Rating: pos.Rating, ID: pos.ID})
	if err != nil {
		return "", fmt.Errorf("cursor: encode: %w", err)
	}

	token := append(body, c.sign(body)...)
	return base64.RawURLEncoding.EncodeToString(token), nil
}

// Decode verifies token and returns the position it encodes. Every failure
// is reported as ErrInvalidCursor.
func (c *Codec) Decode(token string) (Position, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) <= macSize {
		return Position{}, ErrInvalidCursor
	}

	body, mac := raw[:len(raw)-macSize], raw[len(raw)-macSize:]
	if !hmac.Equal(mac, c.sign(body)) {
		return Position{}, ErrInvalidCursor
	}

	reader := bytes.NewReader(body)
	var p payload
	if err := msgpack.NewDecoder(reader).Decode(&p); err != nil || reader.Len() != 0 {
		return Position{}, ErrInvalidCursor
	}
	if p.Version != version || p.ID == "" || math.IsNaN(p.Rating) || math.IsInf(p.Rating, 0) {
		return Position{}, ErrInvalidCursor
	}

	return Position{Rating: p.Rating, ID: p.ID}, nil
}

func (c *Codec) sign(body []byte) []byte {
	h := hmac.New(sha256.New, c.key)
	h.Write(body)
	return h.Sum(nil)
}
