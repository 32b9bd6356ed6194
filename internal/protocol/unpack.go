package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeResponse parses a server envelope into its concrete type:
// *PipeMessage, *ErrorResponse, or *CredentialsResponse.
func DecodeResponse(b []byte) (any, error) {
	var probe struct {
		Request string `json:"request"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	switch probe.Request {
	case RespPipe:
		var m PipeMessage
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case RespError:
		var m ErrorResponse
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case RespCredentials:
		var m CredentialsResponse
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		return &m, nil
	}
	return nil, fmt.Errorf("unrecognized response kind: %q", probe.Request)
}
