package frame

// Auth frame layout. The signature covers the ASCII concatenation
// "auth" || accessKey || isoDate || base64(nonce).
const (
	authVersionOffset  = 4
	authKeyOffset      = 8
	authNonceOffset    = 28
	authSigOffset      = 36
	authDateFlagOffset = 68
	authDateOffset     = 69

	// AuthKeyLength is the exact encoded size of an access key.
	AuthKeyLength = 20

	authShortDateLength = 24
	authLongDateLength  = 27

	authShortLength = authDateOffset + authShortDateLength // 93
	authLongLength  = authDateOffset + authLongDateLength  // 96
)

// Auth carries the signed session credentials. It is only ever sent by
// the client; a socket receiving one treats it as a protocol violation.
type Auth struct {
	common
	Version   byte
	AccessKey string // exactly 20 ASCII bytes
	Nonce     [8]byte
	Signature [32]byte
	Date      string // ISO-8601, 24 or 27 characters
}

func (f *Auth) Pack(accessKey string, nonce [8]byte, signature [32]byte, date string) error {
	// peers read exactly 20 bytes, so the strict length check is the
	// safe one
	if len(accessKey) != AuthKeyLength {
		return protoError("access key must encode to %d bytes, got %d", AuthKeyLength, len(accessKey))
	}
	if len(date) != authShortDateLength && len(date) != authLongDateLength {
		return protoError("unexpected ISO-8601 date length: %d", len(date))
	}
	if err := f.common.pack(TypeAuth, 0); err != nil {
		return err
	}
	f.Version = 0
	f.AccessKey = accessKey
	f.Nonce = nonce
	f.Signature = signature
	f.Date = date
	return nil
}

func (f *Auth) Encode() ([]byte, error) {
	n := authShortLength
	long := len(f.Date) == authLongDateLength
	if long {
		n = authLongLength
	} else if len(f.Date) != authShortDateLength {
		return nil, protoError("unexpected ISO-8601 date length: %d", len(f.Date))
	}
	if len(f.AccessKey) != AuthKeyLength {
		return nil, protoError("access key must encode to %d bytes, got %d", AuthKeyLength, len(f.AccessKey))
	}
	b := make([]byte, n)
	f.putHeader(b)
	b[authVersionOffset] = f.Version
	copy(b[authKeyOffset:], f.AccessKey)
	copy(b[authNonceOffset:], f.Nonce[:])
	copy(b[authSigOffset:], f.Signature[:])
	if long {
		b[authDateFlagOffset] = 1
	}
	copy(b[authDateOffset:], f.Date)
	return b, nil
}

func (f *Auth) decode(b []byte) error {
	switch len(b) {
	case authShortLength, authLongLength:
	default:
		return frameSizeError(len(b), "AUTH")
	}
	if f.streamId != 0 {
		return protoError("AUTH stream id must be zero, not: %d", f.streamId)
	}
	long := b[authDateFlagOffset] == 1
	if long != (len(b) == authLongLength) {
		return protoError("AUTH date length flag does not match frame length: %d", len(b))
	}
	f.Version = b[authVersionOffset]
	f.AccessKey = string(b[authKeyOffset : authKeyOffset+AuthKeyLength])
	copy(f.Nonce[:], b[authNonceOffset:authSigOffset])
	copy(f.Signature[:], b[authSigOffset:authDateFlagOffset])
	f.Date = string(b[authDateOffset:])
	return nil
}
