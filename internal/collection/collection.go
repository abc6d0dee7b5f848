// Package collection reads a saved set of requests from disk. Collections
// are YAML, JSON or TOML; the loader never writes them back.
package collection

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/sockterm/internal/domain"
	"github.com/unkn0wn-root/sockterm/internal/errdef"
)

type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
)

// record is a request as written in a collection file. url and message are
// the field names older collections used for endpoint and payload.
type record struct {
	UUID       string    `json:"uuid"       yaml:"uuid"       toml:"uuid"`
	Name       string    `json:"name"       yaml:"name"       toml:"name"`
	Protocol   string    `json:"protocol"   yaml:"protocol"   toml:"protocol"`
	Endpoint   string    `json:"endpoint"   yaml:"endpoint"   toml:"endpoint"`
	URL        string    `json:"url"        yaml:"url"        toml:"url"`
	Payload    *string   `json:"payload"    yaml:"payload"    toml:"payload"`
	Message    string    `json:"message"    yaml:"message"    toml:"message"`
	Encoding   string    `json:"encoding"   yaml:"encoding"   toml:"encoding"`
	TestScript string    `json:"testScript" yaml:"testScript" toml:"testScript"`
	CreatedAt  time.Time `json:"createdAt"  yaml:"createdAt"  toml:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"  yaml:"updatedAt"  toml:"updatedAt"`
}

type document struct {
	Requests []record `json:"requests" yaml:"requests" toml:"requests"`
}

func FormatOf(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".json":
		return FormatJSON, true
	case ".toml":
		return FormatTOML, true
	default:
		return "", false
	}
}

func Load(path string) ([]domain.Request, error) {
	format, ok := FormatOf(path)
	if !ok {
		return nil, errdef.New(errdef.CodeCollection, "unsupported collection file %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeFilesystem, err, "read collection %q", path)
	}
	reqs, err := Parse(data, format)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeCollection, err, "load collection %q", path)
	}
	return reqs, nil
}

// Parse decodes a collection. YAML and JSON accept a bare list or a
// document with a requests key; TOML needs [[requests]] tables.
func Parse(data []byte, format Format) ([]domain.Request, error) {
	var (
		records []record
		err     error
	)
	switch format {
	case FormatYAML:
		records, err = decodeYAML(data)
	case FormatJSON:
		records, err = decodeJSON(data)
	case FormatTOML:
		var doc document
		err = toml.Unmarshal(data, &doc)
		records = doc.Requests
	default:
		return nil, errdef.New(errdef.CodeCollection, "unsupported collection format %q", format)
	}
	if err != nil {
		return nil, err
	}

	out := make([]domain.Request, 0, len(records))
	seen := make(map[string]int, len(records))
	for i, rec := range records {
		req, err := rec.request()
		if err != nil {
			return nil, errdef.Wrap(errdef.CodeCollection, err, "request #%d", i+1)
		}
		if !req.IsDraft() {
			if prev, dup := seen[req.UUID]; dup {
				return nil, errdef.New(
					errdef.CodeCollection,
					"request #%d: uuid %q already used by request #%d",
					i+1, req.UUID, prev+1,
				)
			}
			seen[req.UUID] = i
		}
		out = append(out, req)
	}
	return out, nil
}

func decodeYAML(data []byte) ([]record, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, nil
	}
	root := node.Content[0]
	if root.Kind == yaml.SequenceNode {
		var records []record
		if err := root.Decode(&records); err != nil {
			return nil, err
		}
		return records, nil
	}
	var doc document
	if err := root.Decode(&doc); err != nil {
		return nil, err
	}
	return doc.Requests, nil
}

func decodeJSON(data []byte) ([]record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var records []record
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, err
		}
		return records, nil
	}
	var doc document
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, err
	}
	return doc.Requests, nil
}

func (r record) request() (domain.Request, error) {
	protocol, err := domain.ParseProtocol(r.Protocol)
	if err != nil {
		return domain.Request{}, err
	}
	encoding, err := domain.ParseEncoding(r.Encoding)
	if err != nil {
		return domain.Request{}, err
	}
	endpoint := strings.TrimSpace(r.Endpoint)
	if endpoint == "" {
		endpoint = strings.TrimSpace(r.URL)
	}
	payload := r.Message
	if r.Payload != nil {
		payload = *r.Payload
	}
	req := domain.Request{
		UUID:       strings.TrimSpace(r.UUID),
		Name:       strings.TrimSpace(r.Name),
		Protocol:   protocol,
		Endpoint:   endpoint,
		Payload:    payload,
		Encoding:   encoding,
		TestScript: r.TestScript,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if err := req.Validate(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

// Find matches by uuid first, then by case-insensitive name.
func Find(reqs []domain.Request, nameOrUUID string) (domain.Request, bool) {
	key := strings.TrimSpace(nameOrUUID)
	if key == "" {
		return domain.Request{}, false
	}
	for _, req := range reqs {
		if req.UUID == key {
			return req, true
		}
	}
	for _, req := range reqs {
		if strings.EqualFold(req.Name, key) {
			return req, true
		}
	}
	return domain.Request{}, false
}
