package common

// For detecting incoming message type. Each struct below has Type set to the
// struct type name.
type MsgType struct {
	Type string
}

// Node is the wire form of a list node.
type Node struct {
	Id      string
	Prev    *string
	Next    *string
	Version int64
}

// Update describes the structural pointers a mutation changed on an existing
// node, keyed by "prev"/"next". A present key with a null value means the
// pointer was cleared.
type Update map[string]*string

// Sent from client to server.
type AddNode struct {
	Type       string
	PrevNodeId *string // nil inserts at the head
}

// Sent from client to server.
type RemoveNode struct {
	Type   string
	NodeId string
}

// Sent from server to client, once per attach. Nodes are unordered; clients
// reconstruct list order by walking Prev/Next.
type Nodes struct {
	Type  string
	Nodes []Node
}

// Sent from server to all clients.
type NodeAdded struct {
	Type         string
	CreatedNode  Node
	UpdatedNodes map[string]Update
}

// Sent from server to all clients.
type NodeRemoved struct {
	Type          string
	DeletedNodeId string
	UpdatedNodes  map[string]Update
}

// Sent from server to the originating client only.
type Error struct {
	Type      string
	Message   string
	Operation string // "addNode" or "removeNode"
}
