package offgate

import (
	"math"
	"sync/atomic"
)

type statsCollector struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	stale     atomic.Uint64
	fallbacks atomic.Uint64
	bypassed  atomic.Uint64

	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(served string, respBytes int) {
	switch served {
	case servedHit, servedRevalidated:
		s.hits.Add(1)
	case servedMiss, servedNetwork:
		s.misses.Add(1)
	case servedStale:
		s.stale.Add(1)
	case servedFallback:
		s.fallbacks.Add(1)
		return
	case servedBypass:
		s.bypassed.Add(1)
		return
	default:
		return
	}

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Stale     uint64 `json:"stale"`
	Fallbacks uint64 `json:"fallbacks"`
	Bypassed  uint64 `json:"bypassed"`

	TotalRespBytes uint64 `json:"totalRespBytes"`
	MinRespBytes   uint64 `json:"minRespBytes"`
	AvgRespBytes   uint64 `json:"avgRespBytes"`
	MaxRespBytes   uint64 `json:"maxRespBytes"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Hits:           s.hits.Load(),
		Misses:         s.misses.Load(),
		Stale:          s.stale.Load(),
		Fallbacks:      s.fallbacks.Load(),
		Bypassed:       s.bypassed.Load(),
		TotalRespBytes: s.totalRespBytes.Load(),
		MinRespBytes:   s.minRespBytes.Load(),
		MaxRespBytes:   s.maxRespBytes.Load(),
	}
	count := out.Hits + out.Misses + out.Stale
	if count == 0 {
		return statsSnapshot{}
	}
	if out.MinRespBytes == math.MaxUint64 {
		out.MinRespBytes = 0
	}
	out.AvgRespBytes = out.TotalRespBytes / count
	return out
}
