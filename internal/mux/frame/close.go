package frame

// Close announces that the sender will send no further data on a
// stream. It has no body.
type Close struct {
	common
}

func (f *Close) Pack(streamId StreamId) error {
	if streamId == 0 {
		return protoError("CLOSE frame stream id must not be zero")
	}
	return f.common.pack(TypeClose, streamId)
}

func (f *Close) Encode() ([]byte, error) {
	b := make([]byte, headerSize)
	f.putHeader(b)
	return b, nil
}

func (f *Close) decode(b []byte) error {
	if len(b) != headerSize {
		return frameSizeError(len(b), "CLOSE")
	}
	if f.streamId == 0 {
		return protoError("CLOSE frame stream id must not be zero")
	}
	return nil
}
