package archive

// Key is the repeating XOR key that obfuscates record bodies: the local
// account id, byte for byte.
type Key []byte

// NewKey returns the key for an account id.
func NewKey(id string) (Key, error) {
	if id == "" {
		return nil, ErrEmptyKey
	}
	return Key(id), nil
}

// String returns the account id.
func (k Key) String() string {
	return string(k)
}

// Apply appends src XORed with the key, cycled from index 0, to dst. Applying
// the key twice restores the input.
func (k Key) Apply(dst, src []byte) []byte {
	if len(k) == 0 {
		return append(dst, src...)
	}
	for i, b := range src {
		dst = append(dst, b^k[i%len(k)])
	}
	return dst
}
