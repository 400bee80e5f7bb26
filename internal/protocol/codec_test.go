package protocol_test

import (
	"testing"

	"github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/devrev/pairdb/replication/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_ModifyMsg(t *testing.T) {
	msg := &protocol.ModifyMsg{
		Header: protocol.UpdateHeader{
			ChangeNumber: model.NewChangeNumber(42, 1, 3),
			DN:           "uid=user.1,dc=example,dc=com",
			EntryUUID:    model.NewEntryUUID(),
		},
		Modifications: []model.Modification{
			model.NewModification(model.ModReplace, "description", "new value"),
			model.NewModification(model.ModDelete, "displayname"),
		},
	}

	frame, err := protocol.Encode(msg)
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.MsgTypeModify), frame[0])

	decoded, err := protocol.Decode(frame)
	require.NoError(t, err)
	got, ok := decoded.(*protocol.ModifyMsg)
	require.True(t, ok)
	assert.Equal(t, msg.Header, got.Header)
	require.Len(t, got.Modifications, 2)
	assert.Equal(t, model.ModReplace, got.Modifications[0].Type)
	assert.Equal(t, []string{"new value"}, got.Modifications[0].Values)
	assert.Empty(t, got.Modifications[1].Values)
}

func TestCodec_RejectsGarbage(t *testing.T) {
	_, err := protocol.Decode([]byte{0x01})
	assert.True(t, errors.IsDecodeError(err))

	_, err = protocol.Decode([]byte{0x7f, 0x00})
	assert.True(t, errors.IsDecodeError(err))
}

func TestModifyDNMsg_NewDN(t *testing.T) {
	msg := &protocol.ModifyDNMsg{
		Header: protocol.UpdateHeader{DN: "uid=old,ou=people,dc=example,dc=com"},
		NewRDN: "uid=new",
	}
	assert.Equal(t, "uid=new,ou=people,dc=example,dc=com", msg.NewDN())

	msg.NewSuperior = "ou=admins,dc=example,dc=com"
	assert.Equal(t, "uid=new,ou=admins,dc=example,dc=com", msg.NewDN())
}
