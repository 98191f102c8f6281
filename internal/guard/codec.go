package guard

import (
	"encoding/json"

	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

// Codec converts payloads to and from stored bytes.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// ObjectCodec stores model.Object payloads as RFC 8785 canonical JSON.
type ObjectCodec struct{}

// Encode implements Codec.
func (ObjectCodec) Encode(v model.Object) ([]byte, error) {
	if v == nil {
		v = model.Object{}
	}
	return model.MarshalCanonical(v)
}

// Decode implements Codec.
func (ObjectCodec) Decode(data []byte) (model.Object, error) {
	return model.ParseObject(data)
}

// JSONCodec stores arbitrary Go values with encoding/json.
type JSONCodec[T any] struct{}

// Encode implements Codec.
func (JSONCodec[T]) Encode(v T) ([]byte, error) {
	return json.Marshal(v)
}

// Decode implements Codec.
func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
