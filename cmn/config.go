// Package cmn holds the types and the process-wide configuration singleton
// shared by every gasnet package, grounded on the teacher's own `cmn`
// package and its `cmn.GCO` "Global Config Owner" (seen dereferenced as
// `cmn.GCO.Get()` throughout transport/send.go, transport/api.go, and
// xact/xs/tcb.go).
package cmn

import (
	"os"
	"strconv"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// WaitMode enumerates §6's GASNET_WAIT_MODE.
type WaitMode int

const (
	WaitSpin WaitMode = iota
	WaitBlock
	WaitSpinBlock
)

// Config mirrors spec.md §6's environment configuration, one field per
// knob, loaded once at Init and published read-only thereafter (see
// DESIGN.md "global mutable state").
type Config struct {
	Debug     DebugConfig     `json:"debug"`
	Network   NetworkConfig   `json:"network"`
	Credits   CreditsConfig   `json:"credits"`
	Transport TransportConfig `json:"transport"`
	Firehose  FirehoseConfig  `json:"firehose"`
	Trace     TraceConfig     `json:"trace"`
}

type DebugConfig struct {
	Freeze bool `json:"freeze"` // GASNET_FREEZE
}

type NetworkConfig struct {
	WaitMode        WaitMode `json:"wait_mode"`         // GASNET_WAIT_MODE
	DepthTotal      int      `json:"depth_total"`       // GASNET_NETWORKDEPTH_TOTAL
	DepthPP         int      `json:"depth_pp"`          // GASNET_NETWORKDEPTH_PP
	NumQPs          int      `json:"num_qps"`           // GASNET_NUM_QPS
	InlineSendLimit int32    `json:"inline_send_limit"` // GASNET_INLINESEND_LIMIT
	HCAID           string   `json:"hca_id"`            // GASNET_HCA_ID
	PortNum         int      `json:"port_num"`          // GASNET_PORT_NUM
}

type CreditsConfig struct {
	Total int `json:"total"` // GASNET_AM_CREDITS_TOTAL
	PP    int `json:"pp"`    // GASNET_AM_CREDITS_PP
	Slack int `json:"slack"` // GASNET_AM_CREDITS_SLACK
}

type TransportConfig struct {
	BBufCount             int   `json:"bbuf_count"`               // GASNET_BBUF_COUNT
	PinMaxSz              int64 `json:"pin_maxsz"`                // GASNET_PIN_MAXSZ (power of two)
	NonBulkPutBounceLimit int32 `json:"nonbulkput_bounce_limit"`  // GASNET_NONBULKPUT_BOUNCE_LIMIT
	PackedLongLimit       int32 `json:"packedlong_limit"`         // GASNET_PACKEDLONG_LIMIT
	RcvThread             bool  `json:"rcv_thread"`               // GASNET_RCV_THREAD
	RcvReapLimit          int   `json:"rcv_reap_limit"`           // internal: completions reaped per pass
	SerializeCQPoll       bool  `json:"serialize_cq_poll"`        // transport-required serialization
}

type FirehoseConfig struct {
	Use          bool  `json:"use"`           // GASNET_USE_FIREHOSE
	MBytes       int64 `json:"m_bytes"`       // GASNET_FIREHOSE_M
	MaxVictimM   int64 `json:"maxvictim_m"`   // GASNET_FIREHOSE_MAXVICTIM_M
	BucketSize   int64 `json:"bucket_size"`   // defaults to 4096
	MaxRegionVec int    `json:"max_region_vec"` // max (addr,len) entries in one FH_MOVE_REQ
}

type TraceConfig struct {
	TraceFile string `json:"trace_file"`
	StatsFile string `json:"stats_file"`
	TraceMask string `json:"trace_mask"`
	StatsMask string `json:"stats_mask"`
}

// FastV forwards to a module-scoped verbosity check; kept on Config so
// call sites read exactly like the teacher's `config.FastV(5, cos.Smodule...)`.
func (c *Config) FastV(level int, module string) bool {
	return fastV(level, module)
}

// overridable for tests / nlog wiring without an import cycle.
var fastV = func(int, string) bool { return false }

func SetFastV(f func(level int, module string) bool) { fastV = f }

// DefaultConfig returns the GASNet defaults named throughout spec.md.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			WaitMode:        WaitSpin,
			DepthTotal:      256,
			DepthPP:         32,
			NumQPs:          1,
			InlineSendLimit: 64,
			PortNum:         1,
		},
		Credits: CreditsConfig{Total: 64, PP: 8, Slack: 2},
		Transport: TransportConfig{
			BBufCount:             8,
			PinMaxSz:              1 << 30,
			NonBulkPutBounceLimit: 4096,
			PackedLongLimit:       2048,
			RcvThread:             false,
			RcvReapLimit:          16,
		},
		Firehose: FirehoseConfig{
			Use:          true,
			MBytes:       128 << 20,
			MaxVictimM:   32 << 20,
			BucketSize:   4096,
			MaxRegionVec: 64,
		},
	}
}

// FromEnv overlays process environment variables (spec.md §6) onto a copy
// of the defaults.
func FromEnv() *Config {
	c := DefaultConfig()
	if v, ok := boolEnv("GASNET_FREEZE"); ok {
		c.Debug.Freeze = v
	}
	switch os.Getenv("GASNET_WAIT_MODE") {
	case "BLOCK":
		c.Network.WaitMode = WaitBlock
	case "SPINBLOCK":
		c.Network.WaitMode = WaitSpinBlock
	case "SPIN", "":
	}
	if v, ok := intEnv("GASNET_NETWORKDEPTH_TOTAL"); ok {
		c.Network.DepthTotal = v
	}
	if v, ok := intEnv("GASNET_NETWORKDEPTH_PP"); ok {
		c.Network.DepthPP = v
	}
	if v, ok := intEnv("GASNET_AM_CREDITS_TOTAL"); ok {
		c.Credits.Total = v
	}
	if v, ok := intEnv("GASNET_AM_CREDITS_PP"); ok {
		c.Credits.PP = v
	}
	if v, ok := intEnv("GASNET_AM_CREDITS_SLACK"); ok {
		c.Credits.Slack = v
	}
	if v, ok := intEnv("GASNET_BBUF_COUNT"); ok {
		c.Transport.BBufCount = v
	}
	if v, ok := int64Env("GASNET_PIN_MAXSZ"); ok {
		c.Transport.PinMaxSz = v
	}
	if v, ok := intEnv("GASNET_NUM_QPS"); ok {
		c.Network.NumQPs = v
	}
	if v, ok := intEnv("GASNET_INLINESEND_LIMIT"); ok {
		c.Network.InlineSendLimit = int32(v)
	}
	if v, ok := intEnv("GASNET_NONBULKPUT_BOUNCE_LIMIT"); ok {
		c.Transport.NonBulkPutBounceLimit = int32(v)
	}
	if v, ok := intEnv("GASNET_PACKEDLONG_LIMIT"); ok {
		c.Transport.PackedLongLimit = int32(v)
	}
	if v, ok := boolEnv("GASNET_RCV_THREAD"); ok {
		c.Transport.RcvThread = v
	}
	if v, ok := int64Env("GASNET_FIREHOSE_M"); ok {
		c.Firehose.MBytes = v
	}
	if v, ok := int64Env("GASNET_FIREHOSE_MAXVICTIM_M"); ok {
		c.Firehose.MaxVictimM = v
	}
	if v, ok := boolEnv("GASNET_USE_FIREHOSE"); ok {
		c.Firehose.Use = v
	}
	c.Network.HCAID = os.Getenv("GASNET_HCA_ID")
	if v, ok := intEnv("GASNET_PORT_NUM"); ok {
		c.Network.PortNum = v
	}
	c.Trace.TraceFile = os.Getenv("GASNET_TRACEFILE")
	c.Trace.StatsFile = os.Getenv("GASNET_STATSFILE")
	c.Trace.TraceMask = os.Getenv("GASNET_TRACEMASK")
	c.Trace.StatsMask = os.Getenv("GASNET_STATSMASK")
	return c
}

func boolEnv(key string) (bool, bool) {
	s := os.Getenv(key)
	if s == "" {
		return false, false
	}
	v, err := strconv.ParseBool(s)
	return v, err == nil
}

func intEnv(key string) (int, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	return v, err == nil
}

func int64Env(key string) (int64, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	return v, err == nil
}

// MarshalJSON / dump support via jsoniter, matching the teacher's choice
// of json-iterator over encoding/json (ais/prxs3.go, cmd/cli/cli/object.go).
var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

func (c *Config) String() string {
	b, err := jsonAPI.Marshal(c)
	if err != nil {
		return "<config: " + err.Error() + ">"
	}
	return string(b)
}

// globalConfigOwner is the single-initialize cell through which every
// gasnet package reaches the live *Config (design notes: "no transient
// globals" -- capture the singleton once, hand it out thereafter).
type globalConfigOwner struct {
	p atomic.Pointer[Config]
}

func (g *globalConfigOwner) Get() *Config {
	c := g.p.Load()
	if c == nil {
		return DefaultConfig()
	}
	return c
}

func (g *globalConfigOwner) Put(c *Config) { g.p.Store(c) }

// GCO is the process-wide Global Config Owner.
var GCO = &globalConfigOwner{}

func init() { GCO.Put(FromEnv()) }

// WrapErr annotates err with call-site context using pkg/errors, matching
// the teacher's dependency on github.com/pkg/errors for this exact role.
func WrapErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}
