// Package codec encodes the structured half of bus messages: broadcast
// metadata headers and command request/reply objects.
package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

const (
	CBOR    = "cbor"
	MsgPack = "msgpack"
	JSON    = "json"
)

// Names lists the codecs accepted by ByName.
func Names() []string {
	return []string{CBOR, MsgPack, JSON}
}

func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CBOR:
		return cborCodec{}, nil
	case MsgPack, "messagepack":
		return msgpackCodec{}, nil
	case JSON:
		return jsonCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported metadata codec %q", name)
	}
}

type cborCodec struct{}

func (cborCodec) Name() string                       { return CBOR }
func (cborCodec) Marshal(v any) ([]byte, error)      { return cbor.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }

type msgpackCodec struct{}

func (msgpackCodec) Name() string                       { return MsgPack }
func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return JSON }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
