package frame

const rstFixedLength = 8 // error code + message length

// Rst is a frame sent to forcibly close a stream
type Rst struct {
	common
	ErrCode ErrorCode
	Message string
}

func (f *Rst) Pack(streamId StreamId, errorCode ErrorCode, message string) error {
	if streamId == 0 {
		return protoError("RST frame stream id must not be zero")
	}
	if err := f.common.pack(TypeRst, streamId); err != nil {
		return err
	}
	f.ErrCode = errorCode
	f.Message = message
	return nil
}

func (f *Rst) Encode() ([]byte, error) {
	b := make([]byte, headerSize+rstFixedLength+len(f.Message))
	f.putHeader(b)
	order.PutUint32(b[headerSize:], uint32(f.ErrCode))
	order.PutUint32(b[headerSize+4:], uint32(len(f.Message)))
	copy(b[headerSize+rstFixedLength:], f.Message)
	return b, nil
}

func (f *Rst) decode(b []byte) error {
	if len(b) < headerSize+rstFixedLength {
		return frameSizeError(len(b), "RST")
	}
	if f.streamId == 0 {
		return protoError("RST frame stream id must not be zero")
	}
	f.ErrCode = ErrorCode(order.Uint32(b[headerSize:]))
	msgLen := order.Uint32(b[headerSize+4:])
	if uint32(len(b)) != headerSize+rstFixedLength+msgLen {
		return frameSizeError(len(b), "RST")
	}
	f.Message = string(b[headerSize+rstFixedLength:])
	return nil
}
