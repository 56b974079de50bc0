package ccproxy

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"
)

const testXUID = "2535416998696610"

var testUUID = uuid.MustParse("7a34a1a1-3d2b-4f5c-8d21-0e6f3e5b4a99")

// testJWT builds an unsigned JWT carrying the extraData identity claims of a
// Bedrock login chain.
func testJWT(t *testing.T, name string, id uuid.UUID, xuid string) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"ES384","typ":"JWT"}`))
	claims, err := json.Marshal(map[string]any{
		"extraData": map[string]any{"displayName": name, "identity": id.String(), "XUID": xuid},
	})
	if err != nil {
		t.Fatal(err)
	}
	sig := base64.RawURLEncoding.EncodeToString([]byte("unverified"))
	return header + "." + base64.RawURLEncoding.EncodeToString(claims) + "." + sig
}

// loginPacket builds a login packet: big-endian protocol version, then the
// length-prefixed chain JSON.
func loginPacket(t *testing.T, jwts ...string) []byte {
	t.Helper()
	chain, err := json.Marshal(map[string][]string{"chain": jwts})
	if err != nil {
		t.Fatal(err)
	}
	payload := binary.LittleEndian.AppendUint32(nil, uint32(len(chain)))
	payload = append(payload, chain...)

	body := []byte{0x00, 0x00, 0x02, 0x9f} // Protocol 671.
	body = binary.AppendUvarint(body, uint64(len(payload)))
	body = append(body, payload...)
	return append([]byte{packetIDLogin}, body...)
}

// frame prefixes each packet with its uvarint length, forming a batch.
func frame(packets ...[]byte) []byte {
	var batch []byte
	for _, pk := range packets {
		batch = binary.AppendUvarint(batch, uint64(len(pk)))
		batch = append(batch, pk...)
	}
	return batch
}

func deflate(t *testing.T, b []byte) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	w, err := flate.NewWriter(buf, flate.DefaultCompression)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(b); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestParseLogin(t *testing.T) {
	batch := frame(loginPacket(t, testJWT(t, "Steve", testUUID, testXUID)))
	variants := map[string][]byte{
		"flate":  append([]byte{gamePacketHeader, 0x00}, deflate(t, batch)...),
		"snappy": append([]byte{gamePacketHeader, 0x01}, snappy.Encode(nil, batch)...),
		"none":   append([]byte{gamePacketHeader, 0xff}, batch...),
		// Batches of old clients carry a bare flate stream without an
		// algorithm byte.
		"legacy": append([]byte{gamePacketHeader}, deflate(t, batch)...),
	}
	for name, b := range variants {
		identity, err := parseLogin(b)
		if err != nil {
			t.Errorf("%v: %v", name, err)
			continue
		}
		if identity.DisplayName != "Steve" || identity.UUID != testUUID || identity.XUID != testXUID {
			t.Errorf("%v: got identity %+v", name, identity)
		}
	}
}

func TestParseLoginChain(t *testing.T) {
	// The identity claims sit in the last JWT of the chain; earlier links
	// hold the trust chain up to the Mojang root.
	batch := frame(loginPacket(t,
		testJWT(t, "Nobody", uuid.UUID{}, ""),
		testJWT(t, "Alex", testUUID, testXUID),
	))
	identity, err := parseLogin(append([]byte{gamePacketHeader, 0xff}, batch...))
	if err != nil {
		t.Fatal(err)
	}
	if identity.DisplayName != "Alex" {
		t.Errorf("got display name %q, want the one of the last chain link", identity.DisplayName)
	}
}

func TestParseLoginLaterInBatch(t *testing.T) {
	other := []byte{0x8f, 0x01, 0x02, 0x03} // Some unrelated game packet.
	batch := frame(other, loginPacket(t, testJWT(t, "Steve", testUUID, testXUID)))
	identity, err := parseLogin(append([]byte{gamePacketHeader, 0xff}, batch...))
	if err != nil {
		t.Fatal(err)
	}
	if identity.DisplayName != "Steve" {
		t.Errorf("got identity %+v from a batch with a leading non-login packet", identity)
	}
}

func TestParseLoginNone(t *testing.T) {
	for name, b := range map[string][]byte{
		"empty":       nil,
		"not a batch": {0x84, 0x00, 0x00, 0x00},
		"no login":    append([]byte{gamePacketHeader, 0xff}, frame([]byte{0x8f, 0x01})...),
	} {
		if _, err := parseLogin(b); !errors.Is(err, errNoLogin) {
			t.Errorf("%v: got error %v, want %v", name, err, errNoLogin)
		}
	}

	// A frame length running past the batch must error rather than parse.
	if _, err := parseLogin([]byte{gamePacketHeader, 0xff, 0x20, 0x01}); err == nil {
		t.Error("got no error for a frame length past the end of the batch")
	}
}

func TestIdentityInspector(t *testing.T) {
	var got Identity
	calls := 0
	i := IdentityInspector{OnIdentity: func(s *Session, id Identity) {
		got = id
		calls++
	}}
	s := &Session{}

	// Early packets before the login pass through without ending the hook.
	early := []byte{gamePacketHeader, 0xff, 0x02, 0x8f, 0x01}
	if out, done := i.HandleLogin(s, early); done || !bytes.Equal(out, early) {
		t.Fatalf("HandleLogin on a non-login batch: got done %v", done)
	}
	if calls != 0 {
		t.Fatal("OnIdentity called for a batch without a login")
	}

	login := append([]byte{gamePacketHeader, 0xff}, frame(loginPacket(t, testJWT(t, "Steve", testUUID, testXUID)))...)
	out, done := i.HandleLogin(s, login)
	if !done {
		t.Error("HandleLogin on a login batch: got done false")
	}
	if !bytes.Equal(out, login) {
		t.Error("HandleLogin did not pass the login batch through unchanged")
	}
	if calls != 1 || got.DisplayName != "Steve" || got.UUID != testUUID {
		t.Errorf("OnIdentity: got %v calls with identity %+v", calls, got)
	}
}
