// Package hk is a process-wide housekeeping registry: named callbacks that
// fire on their own interval. gasnet.Attach registers one entry here, the
// periodic stats sampling of the firehose gauge. Grounded on
// the teacher's `hk` package (imported by transport/api.go as
// `hk.Unreg(h.hkName + hk.NameSuffix)`).
package hk

import (
	"sync"
	"time"
)

// NameSuffix disambiguates housekeeping names from the resource they
// clean up, matching the teacher's convention of appending it to a
// transport endpoint name before registering/unregistering the sweep.
const NameSuffix = ".hk"

type job struct {
	name     string
	interval time.Duration
	f        func() time.Duration // returns the next interval, or <=0 to unregister
	timer    *time.Timer
	stopCh   chan struct{}
}

type registry struct {
	mu   sync.Mutex
	jobs map[string]*job
}

var reg = &registry{jobs: make(map[string]*job)}

// Reg registers f to run once after d, and then again after whatever
// duration f itself returns (f returning <=0 unregisters the job).
func Reg(name string, d time.Duration, f func() time.Duration) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.jobs[name]; ok {
		return
	}
	j := &job{name: name, interval: d, f: f, stopCh: make(chan struct{})}
	reg.jobs[name] = j
	j.timer = time.AfterFunc(d, func() { j.run() })
}

func (j *job) run() {
	next := j.f()
	reg.mu.Lock()
	_, live := reg.jobs[j.name]
	reg.mu.Unlock()
	if !live || next <= 0 {
		Unreg(j.name)
		return
	}
	select {
	case <-j.stopCh:
		return
	default:
	}
	j.timer.Reset(next)
}

func Unreg(name string) {
	reg.mu.Lock()
	j, ok := reg.jobs[name]
	if ok {
		delete(reg.jobs, name)
	}
	reg.mu.Unlock()
	if ok {
		j.timer.Stop()
		close(j.stopCh)
	}
}

// Registered reports whether name currently has a pending housekeeping job
// (test helper).
func Registered(name string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	_, ok := reg.jobs[name]
	return ok
}
