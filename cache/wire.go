package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const wireVersion byte = 1

var (
	// ErrCorrupt is returned for stored bytes that are not a valid envelope.
	ErrCorrupt = errors.New("cache: corrupt entry")
	magic      = [...]byte{'X', 'R', 'L', 'Y'}
)

// envelope: magic(4) | ver(1) | storedAt(i64 unix ns, be) | ttl(i64 ns, be) | plen(u32 be) | payload(plen)
const headerLen = 4 + 1 + 8 + 8 + 4

func encodeEnvelope(storedAt time.Time, ttl time.Duration, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(headerLen + len(payload))

	buf.Write(magic[:])
	buf.WriteByte(wireVersion)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], uint64(storedAt.UnixNano()))
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], uint64(ttl))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

func decodeEnvelope(b []byte) (storedAt time.Time, ttl time.Duration, payload []byte, err error) {
	if len(b) < headerLen || !bytes.Equal(b[:4], magic[:]) || b[4] != wireVersion {
		return time.Time{}, 0, nil, ErrCorrupt
	}
	off := 5
	storedAt = time.Unix(0, int64(binary.BigEndian.Uint64(b[off:off+8])))
	off += 8
	ttl = time.Duration(int64(binary.BigEndian.Uint64(b[off : off+8])))
	off += 8
	plen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if plen < 0 || plen > len(b)-off {
		return time.Time{}, 0, nil, ErrCorrupt
	}
	return storedAt, ttl, b[off : off+plen], nil
}

// expired reports whether an entry stored at storedAt with ttl is dead at now.
// An entry is live only while now-storedAt < ttl, so ttl <= 0 is never live.
func expired(now, storedAt time.Time, ttl time.Duration) bool {
	return ttl <= 0 || now.Sub(storedAt) >= ttl
}
