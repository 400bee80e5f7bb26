package transport

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of replication frames
const CodecName = "replframe"

// Frame is one protocol frame as produced by protocol.Encode
type Frame struct {
	Data []byte
}

// frameCodec passes frames through untouched; the payload is already msgpack
type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("replframe codec cannot marshal %T", v)
	}
	return f.Data, nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("replframe codec cannot unmarshal into %T", v)
	}
	f.Data = append([]byte(nil), data...)
	return nil
}

func (frameCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(frameCodec{})
}
