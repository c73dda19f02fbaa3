package crypto

import "encoding/hex"

const (
	innerPad = 0x36
	outerPad = 0x5c
)

// HMACSHA256 computes HMAC-SHA256(key, message). Keys longer than one block
// are hashed down to 32 bytes first.
func HMACSHA256(key, message []byte) [Size]byte {
	var k [BlockSize]byte
	if len(key) > BlockSize {
		sum := Sum256(key)
		copy(k[:], sum[:])
	} else {
		copy(k[:], key)
	}

	var ipad, opad [BlockSize]byte
	for i := range k {
		ipad[i] = k[i] ^ innerPad
		opad[i] = k[i] ^ outerPad
	}

	inner := NewSHA256()
	inner.Write(ipad[:])
	inner.Write(message)
	innerSum := inner.finish()

	outer := NewSHA256()
	outer.Write(opad[:])
	outer.Write(innerSum[:])
	return outer.finish()
}

// SignHex returns the lowercase hex HMAC-SHA256 of the concatenated parts.
func SignHex(key []byte, parts ...[]byte) string {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	msg := make([]byte, 0, n)
	for _, p := range parts {
		msg = append(msg, p...)
	}
	mac := HMACSHA256(key, msg)
	return hex.EncodeToString(mac[:])
}
