package kvdict

import "sync"

var keyBytesPool = &sync.Pool{
	New: func() any {
		return make([]byte, 0, 1024)
	},
}

// encodeLookupKey encodes key into a pooled buffer for a lookup that does
// not retain it. Release the result with releaseKeyBytes.
func encodeLookupKey(key Value) ([]byte, error) {
	buf := keyBytesPool.Get().([]byte)
	k, err := AppendKey(buf[:0], key)
	if err != nil {
		releaseKeyBytes(buf)
		return nil, err
	}
	return k, nil
}

func releaseKeyBytes(b []byte) {
	if cap(b) > 64*1024 {
		return
	}
	keyBytesPool.Put(b[:0])
}
