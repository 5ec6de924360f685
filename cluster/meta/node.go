// Package meta holds the node map: the job's node count, this process's
// index, and the optional physical-ID bimap for conduits whose transport
// addressing is not dense. Grounded on the teacher's cluster/meta (Smap,
// Snode, NodeMap -- see transport/bundle/stream_bundle.go's
// `meta.Sowner`, `meta.Smap`, `meta.NodeMap`), narrowed to GASNet's flat
// job model (spec.md §3 "Node").
package meta

import (
	"fmt"

	"github.com/google/uuid"
)

// Node is a logical index in [0, NumNodes).
type Node int

func (n Node) String() string { return fmt.Sprintf("%d", int(n)) }

// Job publishes the bootstrap result once, read-only thereafter (design
// notes: "published once in attach, read-only thereafter").
type Job struct {
	numNodes int
	myNode   Node
	id       string // job-wide unique id, for log correlation across nodes
	physical map[Node]string // optional: logical -> conduit-specific physical ID
	byPhys   map[string]Node
}

// NewJob builds a job with a fresh, process-local job id. Multi-node
// deployments that need the SAME id on every node should call
// NewJobWithID with a value exchanged during bootstrap instead.
func NewJob(numNodes int, myNode Node) *Job {
	return NewJobWithID(numNodes, myNode, uuid.NewString())
}

func NewJobWithID(numNodes int, myNode Node, id string) *Job {
	if numNodes <= 0 || myNode < 0 || int(myNode) >= numNodes {
		panic(fmt.Sprintf("meta: invalid job (n=%d, my=%d)", numNodes, myNode))
	}
	return &Job{
		numNodes: numNodes,
		myNode:   myNode,
		id:       id,
		physical: make(map[Node]string),
		byPhys:   make(map[string]Node),
	}
}

// ID is this job's correlation id, suitable for inclusion in log lines
// when several attached jobs share one process's logs (tests, gasnetctl).
func (j *Job) ID() string { return j.id }

func (j *Job) NumNodes() int { return j.numNodes }
func (j *Job) MyNode() Node  { return j.myNode }

// SetPhysical records the dense-logical <-> sparse-physical mapping for a
// node; must be called only during bootstrap, before the job is handed to
// any other goroutine (see design notes on global mutable state).
func (j *Job) SetPhysical(n Node, physID string) {
	j.physical[n] = physID
	j.byPhys[physID] = n
}

func (j *Job) Physical(n Node) (string, bool) {
	p, ok := j.physical[n]
	return p, ok
}

func (j *Job) FromPhysical(physID string) (Node, bool) {
	n, ok := j.byPhys[physID]
	return n, ok
}

func (j *Job) Peers() []Node {
	peers := make([]Node, 0, j.numNodes-1)
	for n := Node(0); int(n) < j.numNodes; n++ {
		if n != j.myNode {
			peers = append(peers, n)
		}
	}
	return peers
}

func (j *Job) Valid(n Node) bool { return n >= 0 && int(n) < j.numNodes }
