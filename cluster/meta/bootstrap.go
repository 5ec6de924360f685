package meta

import "context"

// Bootstrap is the small abstract spawner interface named (but not
// reimplemented) by spec.md §1: it hands back job size and node id, and
// supplies the collective operations every conduit needs before its own
// wire protocol exists. Real deployments plug in the job launcher's
// native bootstrap (MPI, a resource-manager spawn service, ssh-fanout,
// ...); gasnet only depends on this interface.
type Bootstrap interface {
	Job() *Job

	// Barrier blocks until every node has called Barrier with the same id.
	Barrier(ctx context.Context, id string) error

	// Exchange is an all-gather: every node contributes data and gets
	// back the full [NumNodes] slice in node-index order.
	Exchange(ctx context.Context, data []byte) ([][]byte, error)

	// Broadcast sends data from root to every node; non-root callers
	// pass a nil data and receive root's value back.
	Broadcast(ctx context.Context, root Node, data []byte) ([]byte, error)

	// Alltoall is a personalized all-to-all: sendbuf[i] is what this
	// node sends to node i; the return value is what this node received
	// from each node, in node-index order.
	Alltoall(ctx context.Context, sendbuf [][]byte) ([][]byte, error)

	// Abort is the signal-safe last-ditch termination primitive (design
	// notes: "SignalSafeExit"); it must not allocate or take locks.
	Abort(code int)
}
