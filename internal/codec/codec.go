// Package codec applies a request's encoding to outbound payloads and
// inbound responses.
package codec

import (
	"encoding/base64"
	"strings"

	"github.com/unkn0wn-root/sockterm/internal/domain"
	"github.com/unkn0wn-root/sockterm/internal/errdef"
)

// EncodePayload turns the user-entered payload into the bytes put on the wire.
// base64 payloads are decoded to raw bytes; utf8 payloads pass through.
func EncodePayload(payload string, enc domain.Encoding) ([]byte, error) {
	switch enc.Normalise() {
	case domain.EncodingBase64:
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
		if err != nil {
			return nil, errdef.Wrap(errdef.CodeTransport, err, "decode base64 payload")
		}
		return raw, nil
	case domain.EncodingUTF8:
		return []byte(payload), nil
	default:
		return nil, errdef.New(errdef.CodeTransport, "unsupported encoding %q", enc)
	}
}

// DecodeResponse turns raw wire bytes into the form handed back to callers.
// base64 requests get their reply re-encoded; utf8 replies pass through.
func DecodeResponse(raw []byte, enc domain.Encoding) []byte {
	if enc.Normalise() == domain.EncodingBase64 {
		out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
		base64.StdEncoding.Encode(out, raw)
		return out
	}
	return append([]byte(nil), raw...)
}
