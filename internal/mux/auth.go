package mux

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/skiplabs/skdb-go/internal/mux/frame"
	"github.com/skiplabs/skdb-go/internal/protocol"
)

// Credentials identify and authenticate a client session. Immutable
// for the lifetime of a connection.
type Credentials struct {
	AccessKey  string // 20-byte ASCII key id
	PrivateKey []byte // HMAC-SHA256 key
	DeviceUuid string
}

// AuthMsg builds the signed binary auth frame for creds at time now.
func AuthMsg(creds Credentials, now time.Time) ([]byte, error) {
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, newErr(InternalError, err)
	}
	return authMsg(creds, now, nonce)
}

func authMsg(creds Credentials, now time.Time, nonce [8]byte) ([]byte, error) {
	date := isoDate(now)
	sig := sign(creds, date, base64.StdEncoding.EncodeToString(nonce[:]))
	var f frame.Auth
	if err := f.Pack(creds.AccessKey, nonce, sig, date); err != nil {
		return nil, fromFrameError(err)
	}
	b, err := f.Encode()
	if err != nil {
		return nil, fromFrameError(err)
	}
	return b, nil
}

// AuthJSON builds the JSON-envelope variant of the auth message, used
// by the legacy one-shot path.
func AuthJSON(creds Credentials, now time.Time) (*protocol.AuthRequest, error) {
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, newErr(InternalError, err)
	}
	date := isoDate(now)
	b64nonce := base64.StdEncoding.EncodeToString(nonce[:])
	sig := sign(creds, date, b64nonce)
	return &protocol.AuthRequest{
		Request:    protocol.ReqAuth,
		AccessKey:  creds.AccessKey,
		Date:       date,
		Nonce:      b64nonce,
		Signature:  base64.StdEncoding.EncodeToString(sig[:]),
		DeviceUuid: creds.DeviceUuid,
	}, nil
}

func sign(creds Credentials, date, b64nonce string) [32]byte {
	mac := hmac.New(sha256.New, creds.PrivateKey)
	mac.Write([]byte("auth" + creds.AccessKey + date + b64nonce))
	var sig [32]byte
	copy(sig[:], mac.Sum(nil))
	return sig
}

// isoDate formats t as the 24-character millisecond ISO-8601 form.
func isoDate(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000") + "Z"
}
