// Package gasnet is the client-facing surface: init/attach/exit, the six
// AM entry points, the three HSL operations, and the query accessors
// spec.md §6 names (mynode, nnodes, segment limits, MaxArgs, the handler
// argument/payload ceilings). It is where transport.Engine,
// firehose.Cache, hsl.Lock, and exit.Coordinator are wired into one
// runtime, grounded on the teacher's top-level package layout (a thin
// root package assembling lower-level internals, mirrored by ais/ package
// exposing cluster-wide operations built from cluster/meta, memsys, and
// xact/xs underneath).
package gasnet

import (
	"context"
	"fmt"
	"time"

	"github.com/gasnet-go/gasnet/cluster/meta"
	"github.com/gasnet-go/gasnet/cmn"
	"github.com/gasnet-go/gasnet/exit"
	"github.com/gasnet-go/gasnet/firehose"
	"github.com/gasnet-go/gasnet/hk"
	"github.com/gasnet-go/gasnet/hsl"
	"github.com/gasnet-go/gasnet/segment"
	"github.com/gasnet-go/gasnet/stats"
	"github.com/gasnet-go/gasnet/transport"

	"github.com/prometheus/client_golang/prometheus"
)

// Reserved handler ids this package itself claims in the core range,
// leaving the rest of [1,63] minus exit's four ids (see exit.HRoleReq..)
// free for other ambient wiring.
const (
	hFirehoseMoveReq uint8 = 10
	hFirehoseMoveRep uint8 = 11
)

// statsSampleInterval governs how often package stats re-reads the
// firehose cache's local-only bucket gauge via hk.
const statsSampleInterval = 5 * time.Second

// Limits mirrors the query accessors spec.md §6 requires a client be able
// to read after attach: MaxArgs, the Medium/Long payload ceilings, and the
// per-node segment size.
type Limits struct {
	MaxArgs            int
	MaxMedium          int
	MaxLongRequest     int
	MaxLongReply       int
	MaxLocalSegment    int64
	MaxGlobalSegment   int64
}

// Runtime is the attached process's live handle on everything gasnet
// wires together: the AM engine, the firehose cache, the exit
// coordinator, and the segment table every AMRequestLong validates
// against.
type Runtime struct {
	job      *meta.Job
	boot     meta.Bootstrap
	cfg      *cmn.Config
	eng      *transport.Engine
	fh       *firehose.Cache
	exitC    *exit.Coordinator
	segTable *segment.Table
	mySeg    *segment.Segment
	stats    *stats.Registry
	limits   Limits
}

// Init is the first GASNet call: it reads the process config (GASNET_*
// env vars, spec.md §6), but does not yet touch the network -- that is
// Attach's job, matching the two-phase init/attach split spec.md §4
// documents for every conduit.
func Init() *cmn.Config { return cmn.GCO.Get() }

// AttachConfig bundles what Attach needs beyond the process-wide Config:
// the bootstrap collaborator (real spawner or meta.Loopback for
// in-process scenarios), the conduit, and this node's already attached
// segment together with every node's segment table.
type AttachConfig struct {
	Boot        meta.Bootstrap
	Conduit     transport.Conduit
	SegTable    *segment.Table
	MySeg       *segment.Segment
	Registerer  prometheus.Registerer // nil disables metrics
	Terminator  exit.Terminator       // nil defaults to os.Exit
}

// Attach publishes the segment table, builds the AM engine, firehose
// cache, and exit coordinator, and registers the firehose move protocol's
// handlers, returning a Runtime ready for AMRequest*/AMPoll/Exit calls.
func Attach(ac AttachConfig) (*Runtime, error) {
	job := ac.Boot.Job()
	cfg := cmn.GCO.Get()

	var reg *stats.Registry
	var rec transport.Recorder
	if ac.Registerer != nil {
		reg = stats.NewRegistry(ac.Registerer)
		rec = reg
	}

	eng := transport.NewEngine(transport.EngineConfig{
		Job:         job,
		Conduit:     ac.Conduit,
		SegTable:    ac.SegTable,
		MySeg:       ac.MySeg,
		SendTokens:  cfg.Credits.Total,
		RecvTokens:  cfg.Network.DepthTotal,
		BufSize:     int(cfg.Transport.PackedLongLimit),
		MaxCredits:  cfg.Credits.PP,
		CreditSlack: cfg.Credits.Slack,
		Recorder:    rec,
		Config:      cfg,
	})

	nnodes := job.NumNodes()
	probedPinnable := segment.MaxPinnable(cfg.Transport.PinMaxSz)
	params := firehose.NewParams(probedPinnable, cfg.Firehose.MBytes, cfg.Firehose.MaxVictimM,
		cfg.Firehose.BucketSize, 0, nnodes, cfg.Firehose.MaxRegionVec)

	fh := firehose.NewCache(job.MyNode(), params, ac.Conduit, &engineMediumSender{eng}, nnodes)
	fh.SetHandlerIDs(hFirehoseMoveReq, hFirehoseMoveRep)

	if err := eng.Handlers().RegisterMedium(hFirehoseMoveReq, transport.CoreHandlersLo, transport.CoreHandlersHi,
		func(tok transport.Token, _ []uint32, payload []byte) {
			fh.HandleMoveReq(payload, func(out []byte) error {
				return eng.AMReplyMedium(tok, hFirehoseMoveRep, nil, out)
			})
		}); err != nil {
		return nil, err
	}
	if err := eng.Handlers().RegisterMedium(hFirehoseMoveRep, transport.CoreHandlersLo, transport.CoreHandlersHi,
		func(tok transport.Token, _ []uint32, payload []byte) {
			fh.HandleMoveRep(transport.AMGetMsgSource(tok), payload)
		}); err != nil {
		return nil, err
	}

	exitC := exit.NewCoordinator(job, eng, ac.Boot, ac.Terminator)

	if reg != nil {
		hk.Reg("gasnet.stats"+hk.NameSuffix, statsSampleInterval, func() time.Duration {
			reg.SampleFirehose(fh)
			return statsSampleInterval
		})
	}

	r := &Runtime{
		job: job, boot: ac.Boot, cfg: cfg, eng: eng, fh: fh, exitC: exitC,
		segTable: ac.SegTable, mySeg: ac.MySeg, stats: reg,
		limits: Limits{
			MaxArgs:          transport.MaxArgs,
			MaxMedium:        int(cfg.Transport.PackedLongLimit),
			MaxLongRequest:   int(cfg.Transport.NonBulkPutBounceLimit),
			MaxLongReply:     int(cfg.Transport.NonBulkPutBounceLimit),
			MaxLocalSegment:  mySegSize(ac.MySeg),
			MaxGlobalSegment: minSegmentSize(ac.SegTable, nnodes),
		},
	}
	return r, nil
}

func mySegSize(s *segment.Segment) int64 {
	if s == nil {
		return 0
	}
	return s.Size
}

func minSegmentSize(t *segment.Table, nnodes int) int64 {
	if t == nil {
		return 0
	}
	min := int64(-1)
	for n := 0; n < nnodes; n++ {
		e, err := t.Entry(n)
		if err != nil {
			continue
		}
		if min < 0 || e.Size < min {
			min = e.Size
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// engineMediumSender adapts transport.Engine to firehose.Sender without
// giving the firehose package a direct dependency on transport.Engine's
// full surface.
type engineMediumSender struct{ eng *transport.Engine }

func (s *engineMediumSender) AMRequestMedium(dest meta.Node, handlerID uint8, args []uint32, payload []byte) error {
	return s.eng.AMRequestMedium(dest, handlerID, args, payload)
}

// --- query accessors (spec.md §6) ---------------------------------------

func (r *Runtime) MyNode() meta.Node { return r.job.MyNode() }
func (r *Runtime) NumNodes() int     { return r.job.NumNodes() }
func (r *Runtime) Limits() Limits    { return r.limits }

// --- AM entry points -----------------------------------------------------

func (r *Runtime) Handlers() *transport.HandlerTable { return r.eng.Handlers() }

func (r *Runtime) AMRequestShort(dest meta.Node, handlerID uint8, args []uint32) error {
	return r.eng.AMRequestShort(dest, handlerID, args)
}

func (r *Runtime) AMRequestMedium(dest meta.Node, handlerID uint8, args []uint32, payload []byte) error {
	return r.eng.AMRequestMedium(dest, handlerID, args, payload)
}

func (r *Runtime) AMRequestLong(dest meta.Node, handlerID uint8, args []uint32, src []byte, destAddr uintptr) error {
	return r.eng.AMRequestLong(dest, handlerID, args, src, destAddr)
}

func (r *Runtime) AMRequestLongAsync(dest meta.Node, handlerID uint8, args []uint32, src []byte, destAddr uintptr) error {
	return r.eng.AMRequestLongAsync(dest, handlerID, args, src, destAddr)
}

func (r *Runtime) AMReplyShort(tok transport.Token, handlerID uint8, args []uint32) error {
	return r.eng.AMReplyShort(tok, handlerID, args)
}

func (r *Runtime) AMReplyMedium(tok transport.Token, handlerID uint8, args []uint32, payload []byte) error {
	return r.eng.AMReplyMedium(tok, handlerID, args, payload)
}

func (r *Runtime) AMReplyLong(tok transport.Token, handlerID uint8, args []uint32, src []byte, destAddr uintptr) error {
	return r.eng.AMReplyLong(tok, handlerID, args, src, destAddr)
}

func AMGetMsgSource(tok transport.Token) meta.Node { return transport.AMGetMsgSource(tok) }

func (r *Runtime) AMPoll() error { return r.eng.AMPoll() }

// --- Firehose ------------------------------------------------------------

func (r *Runtime) Firehose() *firehose.Cache { return r.fh }

// --- HSL -------------------------------------------------------------

func NewHSL() *hsl.Lock { return hsl.New() }

// --- collective exit -----------------------------------------------------

func (r *Runtime) Exit(code int) { r.exitC.Exit(code) }

func (r *Runtime) InstallLastDitch(includeAbort bool) { r.exitC.InstallLastDitch(includeAbort) }

func (r *Runtime) Barrier(ctx context.Context, id string) error { return r.boot.Barrier(ctx, id) }

func (r *Runtime) String() string {
	return fmt.Sprintf("gasnet.Runtime{job=%s node=%d/%d}", r.job.ID(), r.job.MyNode(), r.job.NumNodes())
}
