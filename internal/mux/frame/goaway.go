package frame

const goAwayFixedLength = 12 // last stream + error code + message length

// GoAway is the final frame announcing the largest stream id the
// sender considers valid, plus an error code and message, before
// transport shutdown.
type GoAway struct {
	common
	LastStream StreamId
	ErrCode    ErrorCode
	Message    string
}

func (f *GoAway) Pack(lastStream StreamId, errorCode ErrorCode, message string) error {
	if err := lastStream.valid(); err != nil {
		return err
	}
	if err := f.common.pack(TypeGoAway, 0); err != nil {
		return err
	}
	f.LastStream = lastStream
	f.ErrCode = errorCode
	f.Message = message
	return nil
}

func (f *GoAway) Encode() ([]byte, error) {
	b := make([]byte, headerSize+goAwayFixedLength+len(f.Message))
	f.putHeader(b)
	order.PutUint32(b[headerSize:], uint32(f.LastStream))
	order.PutUint32(b[headerSize+4:], uint32(f.ErrCode))
	order.PutUint32(b[headerSize+8:], uint32(len(f.Message)))
	copy(b[headerSize+goAwayFixedLength:], f.Message)
	return b, nil
}

func (f *GoAway) decode(b []byte) error {
	if len(b) < headerSize+goAwayFixedLength {
		return frameSizeError(len(b), "GOAWAY")
	}
	if f.streamId != 0 {
		return protoError("GOAWAY stream id must be zero, not: %d", f.streamId)
	}
	f.LastStream = StreamId(order.Uint32(b[headerSize:]))
	f.ErrCode = ErrorCode(order.Uint32(b[headerSize+4:]))
	msgLen := order.Uint32(b[headerSize+8:])
	if uint32(len(b)) != headerSize+goAwayFixedLength+msgLen {
		return frameSizeError(len(b), "GOAWAY")
	}
	f.Message = string(b[headerSize+goAwayFixedLength:])
	return nil
}
