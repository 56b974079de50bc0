package ccproxy

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/golang-jwt/jwt/v4"
	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"
)

// Identity is the player identity a client presents in its login packet.
// The proxy reads it without verifying the chain's signatures: relaying
// leaves authentication to the backend.
type Identity struct {
	// DisplayName is the name shown to other players.
	DisplayName string
	// UUID is the unique ID of the player's account.
	UUID uuid.UUID
	// XUID is the Xbox Live user ID. It is empty for unauthenticated
	// players.
	XUID string
}

// LoginHook inspects client packets early in a session. HandleLogin
// returns the payload to forward, which is usually b unchanged, and
// whether the hook is done and should not be called again. Returning a nil
// payload drops the packet.
type LoginHook interface {
	HandleLogin(s *Session, b []byte) (out []byte, done bool)
}

// IdentityInspector is a LoginHook that decodes the login packet out of
// the first game batches and reports the player identity found in it.
// Packets always pass through unchanged.
type IdentityInspector struct {
	// Log, if set, logs the identity of every session at info level.
	Log *slog.Logger
	// OnIdentity, if set, is called once per session with the identity
	// parsed from its login packet.
	OnIdentity func(s *Session, id Identity)
}

// HandleLogin ...
func (i IdentityInspector) HandleLogin(s *Session, b []byte) ([]byte, bool) {
	identity, err := parseLogin(b)
	if err != nil {
		// Not every early packet holds the login. Keep looking.
		return b, false
	}
	if i.Log != nil {
		i.Log.Info("session login", "session", s.ID().String(), "raddr", s.ClientAddr(), "name", identity.DisplayName, "uuid", identity.UUID.String(), "xuid", identity.XUID)
	}
	if i.OnIdentity != nil {
		i.OnIdentity(s, identity)
	}
	return b, true
}

const (
	// gamePacketHeader prefixes every batch of game packets sent over an
	// established connection.
	gamePacketHeader = 0xfe
	// packetIDLogin is the game packet ID of the login packet.
	packetIDLogin = 0x01
	// maxLoginBatchSize bounds the decompressed size of a batch searched
	// for a login packet.
	maxLoginBatchSize = 1 << 20
)

var errNoLogin = errors.New("no login packet in batch")

// parseLogin decodes a batch of game packets and returns the identity
// found in a login packet inside it, if any.
func parseLogin(b []byte) (Identity, error) {
	if len(b) < 2 || b[0] != gamePacketHeader {
		return Identity{}, errNoLogin
	}
	batch, err := decompressBatch(b[1:])
	if err != nil {
		return Identity{}, fmt.Errorf("decompress batch: %w", err)
	}
	for len(batch) > 0 {
		n, read := binary.Uvarint(batch)
		if read <= 0 || n > uint64(len(batch)-read) {
			return Identity{}, errors.New("invalid packet length in batch")
		}
		pk := batch[read : read+int(n)]
		batch = batch[read+int(n):]

		header, read := binary.Uvarint(pk)
		if read <= 0 {
			return Identity{}, errors.New("invalid packet header in batch")
		}
		if header&0x3ff != packetIDLogin {
			continue
		}
		return parseLoginBody(pk[read:])
	}
	return Identity{}, errNoLogin
}

// decompressBatch undoes the compression of a game packet batch. The first
// byte selects the algorithm on current clients. Older clients send a bare
// flate stream instead, so anything unrecognised is retried as one.
func decompressBatch(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("empty batch")
	}
	switch b[0] {
	case 0x00:
		return inflate(b[1:])
	case 0x01:
		out, err := snappy.Decode(nil, b[1:])
		if err != nil {
			return nil, err
		}
		if len(out) > maxLoginBatchSize {
			return nil, errors.New("batch too large")
		}
		return out, nil
	case 0xff:
		return b[1:], nil
	default:
		return inflate(b)
	}
}

// inflate decompresses a flate stream, bounding the output size.
func inflate(b []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(b))
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, maxLoginBatchSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxLoginBatchSize {
		return nil, errors.New("batch too large")
	}
	return out, nil
}

// parseLoginBody reads the identity out of the body of a login packet. The
// body holds the protocol version, then a length-prefixed chain of JWTs of
// which the last carries the identity claims.
func parseLoginBody(b []byte) (Identity, error) {
	if len(b) < 4 {
		return Identity{}, errors.New("login too short")
	}
	// Big-endian protocol version first, unlike everything else in the
	// packet.
	b = b[4:]
	n, read := binary.Uvarint(b)
	if read <= 0 || n > uint64(len(b)-read) {
		return Identity{}, errors.New("invalid login payload length")
	}
	payload := b[read : read+int(n)]
	if len(payload) < 4 {
		return Identity{}, errors.New("login payload too short")
	}
	chainLen := binary.LittleEndian.Uint32(payload)
	if uint64(chainLen) > uint64(len(payload)-4) {
		return Identity{}, errors.New("invalid chain length")
	}
	var chain struct {
		Chain []string `json:"chain"`
	}
	if err := json.Unmarshal(payload[4:4+chainLen], &chain); err != nil {
		return Identity{}, fmt.Errorf("decode chain: %w", err)
	}
	if len(chain.Chain) == 0 {
		return Identity{}, errors.New("empty chain")
	}
	return identityFromJWT(chain.Chain[len(chain.Chain)-1])
}

// identityFromJWT pulls the extraData identity claims out of a raw JWT
// without verifying its signature.
func identityFromJWT(raw string) (Identity, error) {
	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, errors.New("unexpected claims type")
	}
	extra, ok := claims["extraData"].(map[string]any)
	if !ok {
		return Identity{}, errors.New("token holds no identity data")
	}
	identity := Identity{}
	if name, ok := extra["displayName"].(string); ok {
		identity.DisplayName = name
	}
	if id, ok := extra["identity"].(string); ok {
		u, err := uuid.Parse(id)
		if err != nil {
			return Identity{}, fmt.Errorf("parse identity: %w", err)
		}
		identity.UUID = u
	}
	if xuid, ok := extra["XUID"].(string); ok {
		identity.XUID = xuid
	}
	return identity, nil
}
