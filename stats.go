package main

import (
	"fmt"
	"sort"
	"sync"

	"ekodi/log"
)

// latencyStats keeps per-request timings for the session summary table.
type latencyStats struct {
	mu      sync.Mutex
	records []log.Submission
}

func (s *latencyStats) add(sub log.Submission) {
	s.mu.Lock()
	s.records = append(s.records, sub)
	s.mu.Unlock()
}

func (s *latencyStats) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// percentiles returns min, p50, p90, p95 and max of fn over all records.
func (s *latencyStats) percentiles(fn func(log.Submission) float64) [5]float64 {
	s.mu.Lock()
	vals := make([]float64, len(s.records))
	for i, r := range s.records {
		vals[i] = fn(r)
	}
	s.mu.Unlock()
	if len(vals) == 0 {
		return [5]float64{}
	}
	sort.Float64s(vals)

	at := func(p float64) float64 {
		return vals[int(float64(len(vals)-1)*p)]
	}
	return [5]float64{vals[0], at(0.50), at(0.90), at(0.95), vals[len(vals)-1]}
}

func (s *latencyStats) table() string {
	if s.len() == 0 {
		return ""
	}
	total := s.percentiles(func(r log.Submission) float64 { return r.TotalMs })
	ttfb := s.percentiles(func(r log.Submission) float64 { return r.TTFBMs })
	tls := s.percentiles(func(r log.Submission) float64 { return r.TLSMs })
	blob := s.percentiles(func(r log.Submission) float64 { return r.BlobKB })

	return fmt.Sprintf(
		"        %5s %5s %5s %5s %5s\n"+
			"total   %5.0f %5.0f %5.0f %5.0f %5.0f\n"+
			"ttfb    %5.0f %5.0f %5.0f %5.0f %5.0f\n"+
			"tls     %5.0f %5.0f %5.0f %5.0f %5.0f\n"+
			"kb      %5.0f %5.0f %5.0f %5.0f %5.0f",
		"min", "p50", "p90", "p95", "max",
		total[0], total[1], total[2], total[3], total[4],
		ttfb[0], ttfb[1], ttfb[2], ttfb[3], ttfb[4],
		tls[0], tls[1], tls[2], tls[3], tls[4],
		blob[0], blob[1], blob[2], blob[3], blob[4],
	)
}
