package protocol

import (
	"github.com/devrev/pairdb/replication/internal/model"
)

// MsgType identifies the body carried by a frame
type MsgType byte

const (
	MsgTypeAdd MsgType = iota + 1
	MsgTypeModify
	MsgTypeDelete
	MsgTypeModifyDN
	MsgTypeServerStart
	MsgTypeReplServerStart
	MsgTypeTopology
	MsgTypeServerState
)

// String returns a short name for logs
func (t MsgType) String() string {
	switch t {
	case MsgTypeAdd:
		return "add"
	case MsgTypeModify:
		return "modify"
	case MsgTypeDelete:
		return "delete"
	case MsgTypeModifyDN:
		return "modify_dn"
	case MsgTypeServerStart:
		return "server_start"
	case MsgTypeReplServerStart:
		return "repl_server_start"
	case MsgTypeTopology:
		return "topology"
	case MsgTypeServerState:
		return "server_state"
	default:
		return "unknown"
	}
}

// Message is anything that can be framed on a replication session
type Message interface {
	Type() MsgType
}

// UpdateMsg is a replicated directory update
type UpdateMsg interface {
	Message
	GetChangeNumber() model.ChangeNumber
	GetDN() string
	GetEntryUUID() string
}

// UpdateHeader is shared by every update message
type UpdateHeader struct {
	ChangeNumber  model.ChangeNumber `msgpack:"cn"`
	DN            string             `msgpack:"dn"`
	EntryUUID     string             `msgpack:"uuid"`
	Assured       bool               `msgpack:"assured,omitempty"`
	SafeDataLevel uint8              `msgpack:"sdl,omitempty"`
}

// AddMsg carries an entry creation
type AddMsg struct {
	Header     UpdateHeader      `msgpack:"h"`
	ParentUUID string            `msgpack:"parent_uuid"`
	Attributes []model.Attribute `msgpack:"attrs"`
}

// ModifyMsg carries the modifications of one modify operation
type ModifyMsg struct {
	Header        UpdateHeader         `msgpack:"h"`
	Modifications []model.Modification `msgpack:"mods"`
}

// DeleteMsg carries an entry removal
type DeleteMsg struct {
	Header  UpdateHeader `msgpack:"h"`
	Subtree bool         `msgpack:"subtree,omitempty"`
}

// ModifyDNMsg carries a rename, optionally with modifications replayed alongside it
type ModifyDNMsg struct {
	Header          UpdateHeader         `msgpack:"h"`
	NewRDN          string               `msgpack:"new_rdn"`
	DeleteOldRDN    bool                 `msgpack:"delete_old_rdn"`
	NewSuperior     string               `msgpack:"new_superior,omitempty"`
	NewSuperiorUUID string               `msgpack:"new_superior_uuid,omitempty"`
	Modifications   []model.Modification `msgpack:"mods,omitempty"`
}

// ServerStartMsg opens a session from a directory server
type ServerStartMsg struct {
	ServerID          uint16   `msgpack:"server_id"`
	ServerURL         string   `msgpack:"server_url"`
	BaseDN            string   `msgpack:"base_dn"`
	GroupID           uint8    `msgpack:"group_id"`
	GenerationID      int64    `msgpack:"generation_id"`
	WindowSize        int      `msgpack:"window_size"`
	HeartbeatInterval int64    `msgpack:"heartbeat_ms"`
	State             []string `msgpack:"state"`
}

// ReplServerStartMsg is a replication server answer to ServerStartMsg
type ReplServerStartMsg struct {
	ServerID     uint16   `msgpack:"server_id"`
	ServerURL    string   `msgpack:"server_url"`
	BaseDN       string   `msgpack:"base_dn"`
	GroupID      uint8    `msgpack:"group_id"`
	GenerationID int64    `msgpack:"generation_id"`
	WindowSize   int      `msgpack:"window_size"`
	State        []string `msgpack:"state"`
}

// TopologyMsg describes the servers reachable through a replication server
type TopologyMsg struct {
	ReplicationServers []model.RSInfo `msgpack:"rs"`
	DirectoryServers   []model.DSInfo `msgpack:"ds"`
}

// ServerStateMsg publishes a server state
type ServerStateMsg struct {
	ServerID uint16   `msgpack:"server_id"`
	State    []string `msgpack:"state"`
}

func (*AddMsg) Type() MsgType             { return MsgTypeAdd }
func (*ModifyMsg) Type() MsgType          { return MsgTypeModify }
func (*DeleteMsg) Type() MsgType          { return MsgTypeDelete }
func (*ModifyDNMsg) Type() MsgType        { return MsgTypeModifyDN }
func (*ServerStartMsg) Type() MsgType     { return MsgTypeServerStart }
func (*ReplServerStartMsg) Type() MsgType { return MsgTypeReplServerStart }
func (*TopologyMsg) Type() MsgType        { return MsgTypeTopology }
func (*ServerStateMsg) Type() MsgType     { return MsgTypeServerState }

func (m *AddMsg) GetChangeNumber() model.ChangeNumber      { return m.Header.ChangeNumber }
func (m *ModifyMsg) GetChangeNumber() model.ChangeNumber   { return m.Header.ChangeNumber }
func (m *DeleteMsg) GetChangeNumber() model.ChangeNumber   { return m.Header.ChangeNumber }
func (m *ModifyDNMsg) GetChangeNumber() model.ChangeNumber { return m.Header.ChangeNumber }

func (m *AddMsg) GetDN() string      { return m.Header.DN }
func (m *ModifyMsg) GetDN() string   { return m.Header.DN }
func (m *DeleteMsg) GetDN() string   { return m.Header.DN }
func (m *ModifyDNMsg) GetDN() string { return m.Header.DN }

func (m *AddMsg) GetEntryUUID() string      { return m.Header.EntryUUID }
func (m *ModifyMsg) GetEntryUUID() string   { return m.Header.EntryUUID }
func (m *DeleteMsg) GetEntryUUID() string   { return m.Header.EntryUUID }
func (m *ModifyDNMsg) GetEntryUUID() string { return m.Header.EntryUUID }

// NewDN returns the DN of the entry once the rename is applied
func (m *ModifyDNMsg) NewDN() string {
	parent := m.NewSuperior
	if parent == "" {
		parent = model.ParentDN(m.Header.DN)
	}
	if parent == "" {
		return m.NewRDN
	}
	return m.NewRDN + "," + parent
}

// ToEntry builds the entry an AddMsg creates
func (m *AddMsg) ToEntry() *model.Entry {
	entry := model.NewEntry(m.Header.DN)
	for _, attr := range m.Attributes {
		entry.AddValues(attr.Name, attr.Values...)
	}
	if m.Header.EntryUUID != "" {
		entry.SetEntryUUID(m.Header.EntryUUID)
	}
	return entry
}
