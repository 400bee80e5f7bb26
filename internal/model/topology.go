package model

// ServerStatus is the replication status a directory server reports
type ServerStatus string

const (
	StatusNormal     ServerStatus = "normal"
	StatusDegraded   ServerStatus = "degraded"
	StatusFullUpdate ServerStatus = "full_update"
	StatusBadGenID   ServerStatus = "bad_gen_id"
	StatusNone       ServerStatus = "none"
)

// AssuredMode is the assured replication mode of a directory server
type AssuredMode string

const (
	AssuredSafeData AssuredMode = "safe_data"
	AssuredSafeRead AssuredMode = "safe_read"
)

// RSInfo describes a replication server
type RSInfo struct {
	ID           uint16 `json:"id" msgpack:"id"`
	GenerationID int64  `json:"generation_id" msgpack:"generation_id"`
	GroupID      uint8  `json:"group_id" msgpack:"group_id"`
	URL          string `json:"url" msgpack:"url"`
}

// DSInfo describes a directory server replica
type DSInfo struct {
	ID            uint16       `json:"id" msgpack:"id"`
	RSID          uint16       `json:"rs_id" msgpack:"rs_id"`
	GenerationID  int64        `json:"generation_id" msgpack:"generation_id"`
	Status        ServerStatus `json:"status" msgpack:"status"`
	AssuredFlag   bool         `json:"assured_flag" msgpack:"assured_flag"`
	AssuredMode   AssuredMode  `json:"assured_mode" msgpack:"assured_mode"`
	SafeDataLevel uint8        `json:"safe_data_level" msgpack:"safe_data_level"`
	GroupID       uint8        `json:"group_id" msgpack:"group_id"`
	RefURLs       []string     `json:"ref_urls,omitempty" msgpack:"ref_urls,omitempty"`
}

// TopologySnapshot is the full view delivered on every topology change.
// Snapshots are replaced wholesale, never patched.
type TopologySnapshot struct {
	ReplicationServers []RSInfo                `json:"replication_servers"`
	DirectoryServers   []DSInfo                `json:"directory_servers"`
	States             map[uint16]*ServerState `json:"states"`
}

// FindRS returns the replication server with id
func (t *TopologySnapshot) FindRS(id uint16) (RSInfo, bool) {
	for _, rs := range t.ReplicationServers {
		if rs.ID == id {
			return rs, true
		}
	}
	return RSInfo{}, false
}
