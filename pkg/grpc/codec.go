package grpc

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// gobCodec plugs encoding/gob into grpc-go's codec extension point
// (google.golang.org/grpc/encoding.Codec) so the service underneath can be
// reached without a protoc toolchain or generated .pb.go bindings: the
// messages in this package are plain exported structs built from the raft
// and wal types, and gob already knows how to round-trip them.
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("gob unmarshal: %w", err)
	}
	return nil
}

func (gobCodec) Name() string { return codecName }

const codecName = "gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}
