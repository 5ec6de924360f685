// Package exit implements gasnet's three-role collective shutdown
// (spec.md §4.5): head (first-caller-wins), election (node 0 assigns
// master/slave), body (master broadcasts EXIT_REQ and collects replies,
// slaves reply from inside the request handler), and tail (disable
// handlers, flush, tear down, terminate). Grounded on xact/xs/tcb.go's
// refcounted broadcast/Quiesce pattern and its CAS-guarded single-writer
// role flag, and on golang.org/x/sync/errgroup for the master's fan-out
// (the same dependency cluster/meta/loopback.go uses for Alltoall).
package exit

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gasnet-go/gasnet/cluster/meta"
	"github.com/gasnet-go/gasnet/cmn/atomic"
	"github.com/gasnet-go/gasnet/cmn/nlog"
	"github.com/gasnet-go/gasnet/transport"
)

type Role int32

const (
	RoleNone Role = iota
	RoleMaster
	RoleSlave
)

// Handler ids, taken from the core reserved range [1,63] (spec.md §6).
const (
	HRoleReq uint8 = 1
	HRoleRep uint8 = 2
	HExitReq uint8 = 3
	HExitRep uint8 = 4
)

// Terminator is the process-termination primitive Tail finally invokes;
// production wiring is os.Exit, tests substitute a no-op to observe the
// sequence without killing the test binary.
type Terminator func(code int)

type Coordinator struct {
	job  *meta.Job
	eng  *transport.Engine
	boot meta.Bootstrap
	term Terminator

	exitOnce atomic.Bool
	code     atomic.Int32
	tailDone chan struct{}

	reqSeenOnce atomic.Bool
	reqSeen     chan struct{} // closed once this node's EXIT_REQ handler has fired, win or lose the CAS

	roleAssigned atomic.Bool // node 0 only: CAS-claims the first requester as master
	roleMu       sync.Mutex
	roleReplyCh  chan Role // this node's own pending SYS_exit_role_req, if any

	repliesMu   sync.Mutex
	repliesWant int
	repliesGot  int
	repliesCh   chan struct{}

	lastDitchFired atomic.Bool // signal-safe path, CAS-guarded single invocation

	handlersDisabled atomic.Bool
}

func NewCoordinator(job *meta.Job, eng *transport.Engine, boot meta.Bootstrap, term Terminator) *Coordinator {
	if term == nil {
		term = os.Exit
	}
	c := &Coordinator{
		job:      job,
		eng:      eng,
		boot:     boot,
		term:     term,
		tailDone: make(chan struct{}),
		reqSeen:  make(chan struct{}),
	}
	c.code.Store(-1)
	c.register()
	eng.SetShutdownCheck(c.HandlersDisabled)
	return c
}

func (c *Coordinator) register() {
	h := c.eng.Handlers()
	_ = h.RegisterShort(HRoleReq, 1, 63, c.onRoleReq)
	_ = h.RegisterShort(HRoleRep, 1, 63, c.onRoleRep)
	_ = h.RegisterShort(HExitReq, 1, 63, c.onExitReq)
	_ = h.RegisterShort(HExitRep, 1, 63, c.onExitRep)
}

// masterTimeout is spec.md §4.5's body timeout: 2s + 0.25s * nnodes.
func (c *Coordinator) masterTimeout() time.Duration {
	return 2*time.Second + time.Duration(c.job.NumNodes())*250*time.Millisecond
}

// flushAlarm is the 30s stdout/stderr-flush bound in Tail.
const flushAlarm = 30 * time.Second

// Exit is the client-facing entry point: init → attach → ... → exit. The
// first caller on this node wins the head slot and drives election/body/
// tail; any concurrent caller just waits for tail to finish.
func (c *Coordinator) Exit(code int) {
	if !c.exitOnce.CAS(false, true) {
		<-c.tailDone
		return
	}
	c.code.Store(int32(code))
	role := c.elect()
	switch role {
	case RoleMaster:
		c.runMaster(code)
	case RoleSlave:
		c.waitForRemoteExit()
	}
	c.runTail(int(c.code.Load()))
}

// elect implements spec.md §4.5's election: node 0 decides locally
// (self-electing master if it is itself the first caller); every other
// node sends SYS_exit_role_req and blocks for the reply.
func (c *Coordinator) elect() Role {
	if c.job.MyNode() == 0 {
		if c.roleAssigned.CAS(false, true) {
			return RoleMaster
		}
		return RoleSlave
	}
	replyCh := make(chan Role, 1)
	c.roleMu.Lock()
	c.roleReplyCh = replyCh
	c.roleMu.Unlock()
	if err := c.eng.AMRequestShort(0, HRoleReq, []uint32{uint32(c.job.MyNode())}); err != nil {
		nlog.Warningln("exit: role request failed, defaulting to slave:", err)
		return RoleSlave
	}
	select {
	case r := <-replyCh:
		return r
	case <-time.After(c.masterTimeout()):
		return RoleSlave
	}
}

func (c *Coordinator) onRoleReq(tok transport.Token, args []uint32) {
	role := uint32(RoleSlave)
	if c.roleAssigned.CAS(false, true) {
		role = uint32(RoleMaster)
	}
	if err := c.eng.AMReplyShort(tok, HRoleRep, []uint32{role}); err != nil {
		nlog.Warningln("exit: role reply failed:", err)
	}
}

func (c *Coordinator) onRoleRep(tok transport.Token, args []uint32) {
	role := RoleSlave
	if len(args) > 0 && Role(args[0]) == RoleMaster {
		role = RoleMaster
	}
	c.roleMu.Lock()
	ch := c.roleReplyCh
	c.roleReplyCh = nil
	c.roleMu.Unlock()
	if ch != nil {
		ch <- role
	}
}

// runMaster broadcasts EXIT_REQ to every peer and waits for N-1 replies
// within masterTimeout, then proceeds to its own Tail regardless.
func (c *Coordinator) runMaster(code int) {
	peers := c.job.Peers()
	c.repliesMu.Lock()
	c.repliesWant = len(peers)
	c.repliesGot = 0
	c.repliesCh = make(chan struct{})
	if c.repliesWant == 0 {
		close(c.repliesCh) // sole node in the job: nothing to wait for
	}
	c.repliesMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.masterTimeout())
	defer cancel()
	g, _ := errgroup.WithContext(ctx)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			return c.eng.AMRequestShort(p, HExitReq, []uint32{uint32(code)})
		})
	}
	if err := g.Wait(); err != nil {
		nlog.Warningln("exit: broadcasting EXIT_REQ:", err)
	}

	select {
	case <-c.repliesCh:
	case <-ctx.Done():
		nlog.Warningln("exit: timed out waiting for EXIT_REP from all peers")
	}
}

func (c *Coordinator) onExitReq(tok transport.Token, args []uint32) {
	code := 0
	if len(args) > 0 {
		code = int(args[0])
	}
	claimed := c.exitOnce.CAS(false, true)
	if claimed {
		c.code.Store(int32(code))
	}
	if err := c.eng.AMReplyShort(tok, HExitRep, nil); err != nil {
		nlog.Warningln("exit: EXIT_REP failed:", err)
	}
	if c.reqSeenOnce.CAS(false, true) {
		close(c.reqSeen)
	}
	if claimed {
		c.runTail(code)
	}
}

func (c *Coordinator) onExitRep(tok transport.Token, args []uint32) {
	c.repliesMu.Lock()
	c.repliesGot++
	done := c.repliesGot >= c.repliesWant
	ch := c.repliesCh
	c.repliesMu.Unlock()
	if done && ch != nil {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
}

// waitForRemoteExit blocks a Slave-elected caller until this node's own
// onExitReq handler has seen (and replied to) the master's EXIT_REQ, or
// the election timeout lapses. It does not wait on tailDone: that would
// deadlock, since exitOnce is already claimed by this call to Exit, so
// onExitReq never runs Tail itself -- Exit's caller does, right after
// this returns.
func (c *Coordinator) waitForRemoteExit() {
	select {
	case <-c.reqSeen:
	case <-time.After(c.masterTimeout()):
		nlog.Warningln("exit: slave timed out waiting for EXIT_REQ from master")
	}
}

// runTail disables the handler table (swapped for a no-op by simply
// marking it so user handlers stop firing on subsequent polls), flushes
// stdio under flushAlarm, and terminates. It is only ever reached once
// per node because every call path funnels through exitOnce.
func (c *Coordinator) runTail(code int) {
	c.handlersDisabled.Store(true)
	c.flushWithAlarm()
	c.eng.Close()
	close(c.tailDone)
	c.term(code)
}

func (c *Coordinator) flushWithAlarm() {
	done := make(chan struct{})
	go func() {
		_ = os.Stdout.Sync()
		_ = os.Stderr.Sync()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(flushAlarm):
		nlog.Warningln("exit: stdio flush exceeded 30s alarm")
	}
}

// HandlersDisabled lets the engine's dispatch path (or a client wrapper)
// check whether it should short-circuit a handler call during shutdown.
func (c *Coordinator) HandlersDisabled() bool { return c.handlersDisabled.Load() }

func (c *Coordinator) String() string {
	return fmt.Sprintf("exit.Coordinator{node=%d}", c.job.MyNode())
}
