// Package sni reads the server_name from a TLS ClientHello before the
// handshake runs, so a listener can refuse clients addressed elsewhere.
package sni

import (
	"bytes"
	"errors"
	"io"
	"net"

	"golang.org/x/crypto/cryptobyte"
)

const (
	recordTypeHandshake   = 22
	handshakeClientHello  = 1
	extensionServerName   = 0
	serverNameTypeHost    = 0
	recordHeaderLen       = 5
	maxPlaintextRecordLen = 16384
)

var (
	ErrNotHandshake   = errors.New("sni: not a tls handshake record")
	ErrNotClientHello = errors.New("sni: not a client hello")
	ErrMalformed      = errors.New("sni: malformed client hello")
)

// ParseClientHello returns the host_name from a TLS record carrying a
// ClientHello. A hello without server_name yields "".
func ParseClientHello(record []byte) (string, error) {
	s := cryptobyte.String(record)
	var contentType uint8
	var legacyVersion uint16
	var fragment cryptobyte.String
	if !s.ReadUint8(&contentType) || !s.ReadUint16(&legacyVersion) || !s.ReadUint16LengthPrefixed(&fragment) {
		return "", ErrMalformed
	}
	if contentType != recordTypeHandshake {
		return "", ErrNotHandshake
	}

	var msgType uint8
	var body cryptobyte.String
	if !fragment.ReadUint8(&msgType) || !fragment.ReadUint24LengthPrefixed(&body) {
		return "", ErrMalformed
	}
	if msgType != handshakeClientHello {
		return "", ErrNotClientHello
	}

	var version uint16
	var sessionID, suites, compression cryptobyte.String
	if !body.ReadUint16(&version) ||
		!body.Skip(32) ||
		!body.ReadUint8LengthPrefixed(&sessionID) ||
		!body.ReadUint16LengthPrefixed(&suites) ||
		!body.ReadUint8LengthPrefixed(&compression) {
		return "", ErrMalformed
	}
	if body.Empty() {
		return "", nil
	}

	var extensions cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&extensions) {
		return "", ErrMalformed
	}
	for !extensions.Empty() {
		var extType uint16
		var ext cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&ext) {
			return "", ErrMalformed
		}
		if extType != extensionServerName {
			continue
		}
		var names cryptobyte.String
		if !ext.ReadUint16LengthPrefixed(&names) {
			return "", ErrMalformed
		}
		for !names.Empty() {
			var nameType uint8
			var name cryptobyte.String
			if !names.ReadUint8(&nameType) || !names.ReadUint16LengthPrefixed(&name) {
				return "", ErrMalformed
			}
			if nameType == serverNameTypeHost {
				return string(name), nil
			}
		}
	}
	return "", nil
}

// Sniff reads the first TLS record from conn and returns its server name
// along with a conn that replays the consumed bytes ahead of the stream.
func Sniff(conn net.Conn) (string, net.Conn, error) {
	header := make([]byte, recordHeaderLen)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", conn, err
	}
	n := int(header[3])<<8 | int(header[4])
	if header[0] != recordTypeHandshake {
		return "", replay(conn, header), ErrNotHandshake
	}
	if n > maxPlaintextRecordLen {
		return "", replay(conn, header), ErrMalformed
	}
	record := make([]byte, recordHeaderLen+n)
	copy(record, header)
	if _, err := io.ReadFull(conn, record[recordHeaderLen:]); err != nil {
		return "", conn, err
	}
	name, err := ParseClientHello(record)
	return name, replay(conn, record), err
}

type replayConn struct {
	net.Conn
	r io.Reader
}

func replay(conn net.Conn, consumed []byte) net.Conn {
	return &replayConn{Conn: conn, r: io.MultiReader(bytes.NewReader(consumed), conn)}
}

func (c *replayConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
