package rpc

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	torerrors "github.com/veilmesh/torcore/pkg/errors"
)

const macSize = 32

// MacKey authenticates global object identifiers so that a client cannot
// forge one naming an object in a connection it does not own. One key is
// generated per process and shared by every Connection's Registry.
type MacKey struct {
	key [32]byte
}

// NewMacKey generates a fresh random key.
func NewMacKey() (*MacKey, error) {
	var k MacKey
	if _, err := rand.Read(k.key[:]); err != nil {
		return nil, torerrors.InternalError("rpc: failed to generate global id mac key", err)
	}
	return &k, nil
}

// GlobalID names an object across sessions: the connection that owns it,
// and that connection's local index for it.
type GlobalID struct {
	ConnectionID uuid.UUID
	LocalIndex   uint64
}

func (k *MacKey) mac(payload []byte) ([]byte, error) {
	h, err := blake2b.New256(k.key[:])
	if err != nil {
		return nil, torerrors.InternalError("rpc: failed to initialize keyed hash", err)
	}
	h.Write(payload)
	return h.Sum(nil), nil
}

// Encode serializes id as MAC(key, connection_id ∥ local_index) ∥
// connection_id ∥ local_index, base64-encoded as an opaque token.
func (k *MacKey) Encode(id GlobalID) (string, error) {
	payload := make([]byte, 16+8)
	copy(payload, id.ConnectionID[:])
	binary.BigEndian.PutUint64(payload[16:], id.LocalIndex)

	mac, err := k.mac(payload)
	if err != nil {
		return "", err
	}

	full := make([]byte, 0, macSize+len(payload))
	full = append(full, mac...)
	full = append(full, payload...)
	return base64.RawURLEncoding.EncodeToString(full), nil
}

// Decode parses and authenticates a token produced by Encode, rejecting
// it if the MAC does not verify (forged or corrupted) or it is malformed.
// MAC comparison is constant-time.
func (k *MacKey) Decode(token string) (GlobalID, error) {
	full, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return GlobalID{}, torerrors.ConfigurationError("rpc: malformed global object id", err)
	}
	if len(full) != macSize+16+8 {
		return GlobalID{}, torerrors.ConfigurationError(fmt.Sprintf("rpc: malformed global object id: wrong length %d", len(full)), nil)
	}

	gotMAC, payload := full[:macSize], full[macSize:]
	wantMAC, err := k.mac(payload)
	if err != nil {
		return GlobalID{}, err
	}
	if subtle.ConstantTimeCompare(gotMAC, wantMAC) != 1 {
		return GlobalID{}, torerrors.ConfigurationError("rpc: global object id failed authentication", nil)
	}

	connID, err := uuid.FromBytes(payload[:16])
	if err != nil {
		return GlobalID{}, torerrors.ConfigurationError("rpc: malformed connection id in global object id", err)
	}
	return GlobalID{ConnectionID: connID, LocalIndex: binary.BigEndian.Uint64(payload[16:])}, nil
}
