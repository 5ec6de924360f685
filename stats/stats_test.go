package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gasnet-go/gasnet/cluster/meta"
	"github.com/gasnet-go/gasnet/firehose"
	"github.com/gasnet-go/gasnet/transport"
)

func TestAMSentAndRecvCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.AMSent(transport.CatShort, 16)
	r.AMSent(transport.CatShort, 32)
	r.AMRecv(transport.CatMedium, 64)

	if got := testutil.ToFloat64(r.amSent.WithLabelValues("short")); got != 2 {
		t.Fatalf("amSent[short] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.amBytes.WithLabelValues("sent")); got != 48 {
		t.Fatalf("amBytes[sent] = %v, want 48", got)
	}
	if got := testutil.ToFloat64(r.amRecv.WithLabelValues("medium")); got != 1 {
		t.Fatalf("amRecv[medium] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.amBytes.WithLabelValues("received")); got != 64 {
		t.Fatalf("amBytes[received] = %v, want 64", got)
	}
}

func TestCreditBlockedLabelsByPeer(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.CreditBlocked(meta.Node(2))
	r.CreditBlocked(meta.Node(2))
	r.CreditBlocked(meta.Node(5))

	if got := testutil.ToFloat64(r.credBlk.WithLabelValues("2")); got != 2 {
		t.Fatalf("credBlk[2] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.credBlk.WithLabelValues("5")); got != 1 {
		t.Fatalf("credBlk[5] = %v, want 1", got)
	}
}

func TestObserveExitDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)
	r.ObserveExitDuration(1.5)
	if got := testutil.CollectAndCount(r.exitDur); got != 1 {
		t.Fatalf("expected one observation, got %d", got)
	}
}

func TestSampleFirehoseReadsLocalOnlyGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	pin := &noopPinner{}
	params := firehose.NewParams(1<<20, 0, 0, 4096, 0, 2, 64)
	c := firehose.NewCache(meta.Node(0), params, pin, nil, 1)

	if err := c.AcquireLocalRegion(0, 4096); err != nil {
		t.Fatalf("AcquireLocalRegion: %v", err)
	}
	r.SampleFirehose(c)

	if got := testutil.ToFloat64(r.fhBucket); got != 1 {
		t.Fatalf("fhBucket = %v, want 1", got)
	}
}

type noopPinner struct{}

func (*noopPinner) RegisterMR(addr uintptr, n int) (uint64, error) { return 1, nil }
func (*noopPinner) DeregisterMR(addr uintptr, n int) error         { return nil }
