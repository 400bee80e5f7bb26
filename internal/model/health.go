package model

// HealthStatus represents the health state of a replication node
type HealthStatus struct {
	NodeID      string
	Status      NodeStatus
	Timestamp   int64
	Replication ReplicationHealth
}

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// ReplicationHealth summarizes a domain for health reporting and gossip
type ReplicationHealth struct {
	Domain              string  `json:"domain"`
	ReplicaID           uint16  `json:"replica_id"`
	Connected           bool    `json:"connected"`
	ReplicationServerID uint16  `json:"rs_id"`
	Isolated            bool    `json:"isolated"`
	KnownReplicas       int     `json:"known_replicas"`
	MemoryUsage         float64 `json:"memory_usage"`
	DiskUsage           float64 `json:"disk_usage"`
}
