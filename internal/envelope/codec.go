package envelope

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec turns wire documents into bytes and back.
//
// Both directions work on generic documents (map[string]any trees); the
// Validator converts between documents and typed Messages.
type Codec interface {
	Name() string
	Marshal(doc map[string]any) ([]byte, error)
	Unmarshal(data []byte) (map[string]any, error)
}

// JSONCodec encodes frames as JSON text.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(doc map[string]any) ([]byte, error) {
	return json.Marshal(doc)
}

func (JSONCodec) Unmarshal(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// MsgpackCodec encodes frames as MessagePack.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Marshal(doc map[string]any) ([]byte, error) {
	return msgpack.Marshal(doc)
}

func (MsgpackCodec) Unmarshal(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// CodecByName returns the codec registered under name ("json" or "msgpack").
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
