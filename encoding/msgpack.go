// Package encoding provides centralized serialization for spooled change
// events. All msgpack operations go through this package so the wire format
// stays consistent between the spool writer and every sink reader.
//
// Thread Safety: Marshal and Unmarshal are safe for concurrent use.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
// When decoding into interface{}, strings are preserved as Go strings
// rather than []byte, which keeps round-tripped column values comparable
// to the text form the output plugin produced them in.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
