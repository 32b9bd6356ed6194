package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestEncoding(t *testing.T) {
	t.Parallel()
	cases := []struct {
		req  any
		want string
	}{
		{NewTail("todos", 17), `{"request":"tail","table":"todos","since":17}`},
		{NewWrite("todos"), `{"request":"write","table":"todos"}`},
		{NewPipe("a,b\n"), `{"request":"pipe","data":"a,b\n"}`},
		{NewQuery("select 1", FormatJSON), `{"request":"query","query":"select 1","format":"json"}`},
		{NewTableSchema("todos"), `{"request":"schema","table":"todos"}`},
		{NewViewSchema("v", "_copy"), `{"request":"schema","view":"v","suffix":"_copy"}`},
		{NewCreateDatabase("db"), `{"request":"createDatabase","name":"db"}`},
		{NewCreateUser(), `{"request":"createUser"}`},
	}
	for _, c := range cases {
		b, err := json.Marshal(c.req)
		require.NoError(t, err)
		assert.JSONEq(t, c.want, string(b))
	}
}

func TestDecodeResponsePipe(t *testing.T) {
	t.Parallel()
	m, err := DecodeResponse([]byte(`{"request":"pipe","data":"1,hello\n"}`))
	require.NoError(t, err)
	pipe, ok := m.(*PipeMessage)
	require.True(t, ok)
	assert.Equal(t, "1,hello\n", pipe.Data)
}

func TestDecodeResponseError(t *testing.T) {
	t.Parallel()
	m, err := DecodeResponse([]byte(`{"request":"error","msg":"no such table"}`))
	require.NoError(t, err)
	e, ok := m.(*ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, "no such table", e.Msg)
}

func TestDecodeResponseCredentials(t *testing.T) {
	t.Parallel()
	m, err := DecodeResponse([]byte(`{"request":"credentials","accessKey":"k","privateKey":"cGs=","deviceUuid":"d"}`))
	require.NoError(t, err)
	c, ok := m.(*CredentialsResponse)
	require.True(t, ok)
	assert.Equal(t, "k", c.AccessKey)
	assert.Equal(t, "cGs=", c.PrivateKey)
	assert.Equal(t, "d", c.DeviceUuid)
}

func TestDecodeResponseUnknownKind(t *testing.T) {
	t.Parallel()
	_, err := DecodeResponse([]byte(`{"request":"surprise"}`))
	require.Error(t, err)
}

func TestDecodeResponseMalformed(t *testing.T) {
	t.Parallel()
	_, err := DecodeResponse([]byte(`not json`))
	require.Error(t, err)
}
