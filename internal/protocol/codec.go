package protocol

import (
	"fmt"

	"github.com/devrev/pairdb/replication/internal/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Encode frames msg as a type byte followed by its msgpack body.
func Encode(msg Message) ([]byte, error) {
	body, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.Type(), err)
	}
	frame := make([]byte, 0, len(body)+1)
	frame = append(frame, byte(msg.Type()))
	return append(frame, body...), nil
}

// Decode parses a frame produced by Encode
func Decode(frame []byte) (Message, error) {
	if len(frame) < 2 {
		return nil, errors.DecodeFailed(fmt.Sprintf("%x", frame), "frame too short", nil)
	}

	var msg Message
	switch MsgType(frame[0]) {
	case MsgTypeAdd:
		msg = &AddMsg{}
	case MsgTypeModify:
		msg = &ModifyMsg{}
	case MsgTypeDelete:
		msg = &DeleteMsg{}
	case MsgTypeModifyDN:
		msg = &ModifyDNMsg{}
	case MsgTypeServerStart:
		msg = &ServerStartMsg{}
	case MsgTypeReplServerStart:
		msg = &ReplServerStartMsg{}
	case MsgTypeTopology:
		msg = &TopologyMsg{}
	case MsgTypeServerState:
		msg = &ServerStateMsg{}
	default:
		return nil, errors.DecodeFailed(fmt.Sprintf("type %d", frame[0]), "unknown message type", nil)
	}

	if err := msgpack.Unmarshal(frame[1:], msg); err != nil {
		return nil, errors.DecodeFailed(MsgType(frame[0]).String(), "invalid message body", err)
	}
	return msg, nil
}
