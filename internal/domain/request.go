package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Protocol string

const (
	ProtocolSecureStream Protocol = "secure-stream"
	ProtocolPlainStream  Protocol = "plain-stream"
	ProtocolQueue        Protocol = "queue"
)

// ParseProtocol accepts the canonical names plus the scheme-style aliases
// older collections were saved with (wss, ws, tcp).
func ParseProtocol(raw string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "secure-stream", "wss":
		return ProtocolSecureStream, nil
	case "plain-stream", "ws":
		return ProtocolPlainStream, nil
	case "queue", "tcp", "zmq":
		return ProtocolQueue, nil
	default:
		return "", fmt.Errorf("unknown protocol %q", raw)
	}
}

func (p Protocol) IsStream() bool {
	return p == ProtocolSecureStream || p == ProtocolPlainStream
}

type Encoding string

const (
	EncodingUTF8   Encoding = "utf8"
	EncodingBase64 Encoding = "base64"
)

func ParseEncoding(raw string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "utf8", "utf-8", "text":
		return EncodingUTF8, nil
	case "base64", "b64":
		return EncodingBase64, nil
	default:
		return "", fmt.Errorf("unknown encoding %q", raw)
	}
}

// Normalise maps the empty encoding to utf8.
func (e Encoding) Normalise() Encoding {
	if e == "" {
		return EncodingUTF8
	}
	return e
}

// Request is a saved (or draft) request record. The core reads it and never
// writes it back; persistence belongs to whoever owns the collection.
type Request struct {
	UUID       string    `json:"uuid"                 yaml:"uuid"                 toml:"uuid"`
	Name       string    `json:"name"                 yaml:"name"                 toml:"name"`
	Protocol   Protocol  `json:"protocol"             yaml:"protocol"             toml:"protocol"`
	Endpoint   string    `json:"endpoint"             yaml:"endpoint"             toml:"endpoint"`
	Payload    string    `json:"payload"              yaml:"payload"              toml:"payload"`
	Encoding   Encoding  `json:"encoding,omitempty"   yaml:"encoding,omitempty"   toml:"encoding,omitempty"`
	TestScript string    `json:"testScript,omitempty" yaml:"testScript,omitempty" toml:"testScript,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitzero"   yaml:"createdAt,omitempty"  toml:"createdAt,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt,omitzero"   yaml:"updatedAt,omitempty"  toml:"updatedAt,omitempty"`
}

func (r Request) IsDraft() bool {
	return strings.TrimSpace(r.UUID) == ""
}

func (r Request) HasTest() bool {
	return strings.TrimSpace(r.TestScript) != ""
}

// SessionKey identifies the streaming session a request's sends share.
func (r Request) SessionKey() string {
	if !r.IsDraft() {
		return r.UUID
	}
	return "draft:" + string(r.Protocol) + ":" + strings.TrimSpace(r.Endpoint)
}

// Label is the display name, falling back to the endpoint.
func (r Request) Label() string {
	if name := strings.TrimSpace(r.Name); name != "" {
		return name
	}
	if r.Endpoint != "" {
		return r.Endpoint
	}
	return r.UUID
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Endpoint) == "" {
		return fmt.Errorf("request %q: endpoint is required", r.Label())
	}
	switch r.Protocol {
	case ProtocolSecureStream, ProtocolPlainStream, ProtocolQueue:
	default:
		return fmt.Errorf("request %q: unknown protocol %q", r.Label(), r.Protocol)
	}
	switch r.Encoding.Normalise() {
	case EncodingUTF8, EncodingBase64:
	default:
		return fmt.Errorf("request %q: unknown encoding %q", r.Label(), r.Encoding)
	}
	return nil
}

// Stamp is the save-time hook for storage collaborators: a draft gets its
// uuid and CreatedAt here, every save refreshes UpdatedAt.
func Stamp(r Request, now time.Time) Request {
	if r.IsDraft() {
		r.UUID = uuid.NewString()
		r.CreatedAt = now
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	return r
}
