package frame

// Data carries a raw payload for one stream
type Data struct {
	common
	Payload []byte
}

func (f *Data) Pack(streamId StreamId, payload []byte) error {
	if streamId == 0 {
		return protoError("DATA frame stream id must not be zero")
	}
	if err := f.common.pack(TypeData, streamId); err != nil {
		return err
	}
	f.Payload = payload
	return nil
}

func (f *Data) Encode() ([]byte, error) {
	b := make([]byte, headerSize+len(f.Payload))
	f.putHeader(b)
	copy(b[headerSize:], f.Payload)
	return b, nil
}

func (f *Data) decode(b []byte) error {
	if f.streamId == 0 {
		return protoError("DATA frame stream id must not be zero")
	}
	f.Payload = b[headerSize:]
	return nil
}
