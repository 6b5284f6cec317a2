package kvdict

import (
	"encoding/binary"
	"time"
)

// Stores opened with a TTL suffix every stored value with the write time in
// unix seconds, big-endian.
const ttlStampSize = 8

func appendTTLStamp(value []byte, unix int64) []byte {
	buf := make([]byte, len(value), len(value)+ttlStampSize)
	copy(buf, value)
	return binary.BigEndian.AppendUint64(buf, uint64(unix))
}

func splitTTLStamp(raw []byte) ([]byte, int64, error) {
	if len(raw) <= ttlStampSize {
		return nil, 0, dataErrf(raw, 0, nil, "value too short to carry a TTL timestamp")
	}
	n := len(raw) - ttlStampSize
	return raw[:n], int64(binary.BigEndian.Uint64(raw[n:])), nil
}

// unwrap strips the TTL timestamp from a stored value. live is false for
// expired entries.
func (h *handle) unwrap(raw []byte) (value []byte, live bool, err error) {
	if h.mode.TTL <= 0 {
		return raw, true, nil
	}
	value, stamp, err := splitTTLStamp(raw)
	if err != nil {
		return nil, false, err
	}
	if h.expired(stamp) {
		return nil, false, nil
	}
	return value, true, nil
}

func (h *handle) expired(stamp int64) bool {
	return time.Unix(stamp, 0).Add(h.mode.TTL).Before(h.now())
}

// isExpired reports whether a raw stored value is past its TTL. Values that
// are too short to carry a timestamp are not expired; decoding reports them.
func (h *handle) isExpired(raw []byte) bool {
	if h.mode.TTL <= 0 {
		return false
	}
	_, stamp, err := splitTTLStamp(raw)
	return err == nil && h.expired(stamp)
}
