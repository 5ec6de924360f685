package firehose

// Params holds the budget computed once at firehose_init (spec.md §4.4),
// from the probed-pinnable-memory total, the configured M/MaxVictim
// fractions, and the job size.
type Params struct {
	BucketSize       int64
	M                int64 // total pinning budget, bytes
	MaxVictim        int64 // bytes kept pinned-but-idle
	Prepinned        int64 // bytes already pinned outside firehose (segment, bounce pool, arena)
	Firehoses        int64 // (M - Prepinned) / BucketSize
	RemoteBucketsM   int64 // per-peer remote cache budget: Firehoses / (nnodes-1)
	MaxRemoteBuckets int64 // largest move request: bounded by half the region-vector capacity
}

// NewParams computes the budget the way spec.md §4.4 describes: M and
// MaxVictim default to half and a quarter of probed pinnable memory when
// the caller passes 0, matching cmn.FirehoseConfig's GASNET_FIREHOSE_M /
// GASNET_FIREHOSE_MAXVICTIM_M override knobs.
func NewParams(probedPinnable, mBytes, maxVictimBytes, bucketSize, prepinned int64, nnodes, maxRegionVec int) Params {
	if mBytes <= 0 {
		mBytes = probedPinnable / 2
	}
	if maxVictimBytes <= 0 {
		maxVictimBytes = probedPinnable / 4
	}
	firehoses := (mBytes - prepinned) / bucketSize
	if firehoses < 1 {
		firehoses = 1
	}
	peers := int64(nnodes - 1)
	if peers < 1 {
		peers = 1
	}
	remoteM := firehoses / peers
	if remoteM < 1 {
		remoteM = 1
	}
	maxRemote := int64(maxRegionVec / 2)
	if maxRemote < 1 {
		maxRemote = 1
	}
	return Params{
		BucketSize:       bucketSize,
		M:                mBytes,
		MaxVictim:        maxVictimBytes,
		Prepinned:        prepinned,
		Firehoses:        firehoses,
		RemoteBucketsM:   remoteM,
		MaxRemoteBuckets: maxRemote,
	}
}

// MaxVictimBuckets is MaxVictim expressed in buckets, the cap invariant
// (a) in spec.md §4.4 checks LocalOnlyBucketsPinned against.
func (p Params) MaxVictimBuckets() int64 { return p.MaxVictim / p.BucketSize }

func (p Params) bucketAlign(addr uintptr) uintptr {
	bs := uintptr(p.BucketSize)
	return (addr / bs) * bs
}
