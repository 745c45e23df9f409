package model

// Bodies of the node's HTTP API.

// ReadRequest asks for the data of one chunk.
type ReadRequest struct {
	RingID  RingID `json:"ring_id"`
	ChunkID uint64 `json:"chunk_id"`
}

// WriteRequest replaces the data of one chunk. Data is base64 in JSON.
type WriteRequest struct {
	RingID  RingID `json:"ring_id"`
	ChunkID uint64 `json:"chunk_id"`
	Data    []byte `json:"data"`
}

// CreateRequest creates a one-node ring. Zero values pick a random id and the
// node's default chunk count.
type CreateRequest struct {
	RingID   RingID `json:"ring_id,omitempty"`
	ChunkNum uint64 `json:"chunk_num,omitempty"`
}

// CreateResponse carries the id of a created ring.
type CreateResponse struct {
	RingID RingID `json:"ring_id"`
}

// JoinRequest joins, starts or injects into a ring through Target. Join accepts an
// empty target and asks the cluster for one.
type JoinRequest struct {
	RingID   RingID `json:"ring_id"`
	Target   string `json:"target,omitempty"`
	ChunkNum uint64 `json:"chunk_num,omitempty"`
}

// StatusResponse is the generic success body.
type StatusResponse struct {
	Status string `json:"status"`
}

// RingStatus describes a ring hosted by a node. It is the body of GET /rings/{ring_id}.
type RingStatus struct {
	RingID     RingID      `json:"ring_id"`
	ChunkNum   uint64      `json:"chunk_num"`
	ChunkSize  int         `json:"chunk_size"`
	Downstream NodeAddress `json:"downstream"`
	Pending    int         `json:"pending"`
	Forwarded  uint64      `json:"forwarded"`
}

// PeerState is what a node gossips about itself.
type PeerState struct {
	NodeID  string      `json:"node_id"`
	Address NodeAddress `json:"address"`
	Rings   []RingInfo  `json:"rings"`
}

// ClusterResponse is the body of GET /cluster.
type ClusterResponse struct {
	Self  NodeAddress `json:"self"`
	Rings []RingInfo  `json:"rings"`
	Peers []PeerState `json:"peers"`
}
