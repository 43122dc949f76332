package relay

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Payload is the free-form JSON object carried by a Message.
type Payload map[string]any

// Message is the wire unit: one JSON object per text frame. Field
// names are deliberately long for use inside Go code;
// wireMessage (in this file) carries the short "v"/"e"/"p"/"c"/"t" keys
// used on the wire.
type Message struct {
	Version       string
	Event         string
	Payload       Payload
	CorrelationID string
	Timestamp     int64 // ms since epoch
}

// wireMessage is the JSON-serializable shape with the short keys used
// on the wire. CorrelationID is omitted when empty; Timestamp is always sent.
type wireMessage struct {
	V string         `json:"v,omitempty"`
	E string         `json:"e"`
	P Payload        `json:"p"`
	C string         `json:"c,omitempty"`
	T int64          `json:"t"`
}

// Codec parses and serializes wire messages. JSONCodec is the only
// built-in implementation; it is swappable for interop with other wire
// encodings.
type Codec interface {
	Encode(Message) ([]byte, error)
	Decode([]byte) (Message, error)
}

// JSONCodec implements Codec using encoding/json with the compact
// short-key wire shape.
type JSONCodec struct {
	// CurrentVersion is used to stamp outgoing messages and to fill in
	// Version on ingress when the wire message omits "v".
	CurrentVersion string
	// SupportedVersions is the admissible version set. A nil/empty set
	// means "any version is accepted".
	SupportedVersions map[string]struct{}
	// MinimumVersion, if set, additionally requires the incoming version
	// to be >= this value under dotted lexicographic comparison.
	MinimumVersion string
}

// NewJSONCodec returns a JSONCodec defaulted to current="1.0", no
// supported-version restriction.
func NewJSONCodec() JSONCodec {
	return JSONCodec{CurrentVersion: "1.0"}
}

func (c JSONCodec) Encode(m Message) ([]byte, error) {
	w := wireMessage{
		V: m.Version,
		E: m.Event,
		P: m.Payload,
		C: m.CorrelationID,
		T: m.Timestamp,
	}
	if w.V == "" {
		w.V = c.CurrentVersion
	}
	if w.P == nil {
		w.P = Payload{}
	}
	return json.Marshal(w)
}

func (c JSONCodec) Decode(data []byte) (Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, &ValidationError{Field: "<root>"}
	}

	var w struct {
		V *string `json:"v"`
		E *string `json:"e"`
		P *Payload `json:"p"`
		C string  `json:"c"`
		T int64   `json:"t"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, ErrInvalidMessage
	}

	if w.E == nil || strings.TrimSpace(*w.E) == "" {
		return Message{}, ErrInvalidMessage
	}

	version := c.CurrentVersion
	if w.V != nil && *w.V != "" {
		version = *w.V
		if !c.versionSupported(version) {
			return Message{}, ErrUnsupportedVersion
		}
	}

	payload := Payload{}
	if w.P != nil {
		payload = *w.P
	}

	return Message{
		Version:       version,
		Event:         *w.E,
		Payload:       payload,
		CorrelationID: w.C,
		Timestamp:     w.T,
	}, nil
}

func (c JSONCodec) versionSupported(v string) bool {
	if len(c.SupportedVersions) > 0 {
		if _, ok := c.SupportedVersions[v]; !ok {
			return false
		}
	}
	if c.MinimumVersion != "" && compareVersions(v, c.MinimumVersion) < 0 {
		return false
	}
	return true
}

// compareVersions compares dot-separated integer version strings
// component-wise, treating missing trailing components as zero. Returns
// -1, 0, or 1.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var av, bv int64
		if i < len(as) {
			av, _ = strconv.ParseInt(as[i], 10, 64)
		}
		if i < len(bs) {
			bv, _ = strconv.ParseInt(bs[i], 10, 64)
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
