package consolidate

import (
	"encoding/json"
	"io"
	"sort"
	"time"

	"mnemo/internal/logging"
	"mnemo/internal/memerr"
)

// Decision surfaces that produce training examples. Rewards are scored
// by whichever surface emitted the example; the exporter only compares
// rewards inside one state bucket.
const (
	SurfaceExtraction    = "extraction"
	SurfaceRetrieval     = "retrieval"
	SurfaceConsolidation = "consolidation"
)

// Example is one historical decision with its observed reward. Examples
// with the same surface and state key land in the same bucket and are
// the only candidates for pairing with each other.
type Example struct {
	Surface  string  `json:"surface"`
	StateKey string  `json:"stateKey"`
	Prompt   string  `json:"prompt"`
	Response string  `json:"response"`
	Reward   float64 `json:"reward"`
}

// Pair is one JSONL preference record.
type Pair struct {
	Prompt   string `json:"prompt"`
	Chosen   string `json:"chosen"`
	Rejected string `json:"rejected"`
}

// ExportReport summarizes one export run. A run that cannot form enough
// pairs sets Success=false and writes nothing.
type ExportReport struct {
	Success bool   `json:"success"`
	Pairs   int    `json:"pairs"`
	Buckets int    `json:"buckets"`
	Skipped int    `json:"skipped"`
	Error   string `json:"error,omitempty"`
}

// ExportDPO turns examples into preference pairs and writes them to w as
// JSONL. Within a bucket, every example pair whose rewards differ by at
// least MinRewardDelta becomes one record with the higher-reward response
// as chosen. Fewer than MinPairs total pairs fails the run without
// writing partial data.
func (s *Service) ExportDPO(examples []Example, w io.Writer) (*ExportReport, error) {
	start := time.Now()
	report := &ExportReport{}

	buckets := map[string][]Example{}
	var keys []string
	for _, ex := range examples {
		if !validSurface(ex.Surface) || ex.Response == "" {
			report.Skipped++
			continue
		}
		key := ex.Surface + "\x00" + ex.StateKey
		if _, ok := buckets[key]; !ok {
			keys = append(keys, key)
		}
		buckets[key] = append(buckets[key], ex)
	}
	sort.Strings(keys)
	report.Buckets = len(keys)

	var pairs []Pair
	seen := map[string]bool{}
	for _, key := range keys {
		for _, p := range bucketPairs(buckets[key], s.cfg.MinRewardDelta) {
			dedup := p.Prompt + "\x00" + p.Chosen + "\x00" + p.Rejected
			if seen[dedup] {
				continue
			}
			seen[dedup] = true
			pairs = append(pairs, p)
		}
	}
	report.Pairs = len(pairs)

	if len(pairs) < s.cfg.MinPairs {
		report.Error = "insufficient training pairs"
		logging.ExportDebug("dpo export failed: %d pairs from %d buckets, need %d",
			len(pairs), report.Buckets, s.cfg.MinPairs)
		logging.Audit().ExportResult(report.Pairs, time.Since(start).Milliseconds(), false, report.Error)
		return report, nil
	}

	enc := json.NewEncoder(w)
	for _, p := range pairs {
		if err := enc.Encode(p); err != nil {
			return report, memerr.Internal("write dpo pair", err)
		}
	}
	report.Success = true
	logging.Export("exported %d dpo pairs from %d buckets (%d examples skipped)",
		report.Pairs, report.Buckets, report.Skipped)
	logging.Audit().ExportResult(report.Pairs, time.Since(start).Milliseconds(), true, "")
	return report, nil
}

// bucketPairs forms every qualifying pair within one bucket. Examples
// sort by reward descending so each pair reads (chosen, rejected); pairs
// whose responses are identical carry no preference signal and drop.
func bucketPairs(examples []Example, minDelta float64) []Pair {
	sort.Slice(examples, func(i, j int) bool {
		if examples[i].Reward != examples[j].Reward {
			return examples[i].Reward > examples[j].Reward
		}
		if examples[i].Response != examples[j].Response {
			return examples[i].Response < examples[j].Response
		}
		return examples[i].Prompt < examples[j].Prompt
	})

	var pairs []Pair
	for i := 0; i < len(examples); i++ {
		for j := i + 1; j < len(examples); j++ {
			if examples[i].Reward-examples[j].Reward < minDelta {
				continue
			}
			if examples[i].Response == examples[j].Response {
				continue
			}
			pairs = append(pairs, Pair{
				Prompt:   examples[i].Prompt,
				Chosen:   examples[i].Response,
				Rejected: examples[j].Response,
			})
		}
	}
	return pairs
}

func validSurface(s string) bool {
	switch s {
	case SurfaceExtraction, SurfaceRetrieval, SurfaceConsolidation:
		return true
	}
	return false
}

// ExamplesFromFeedback reshapes the classifier feedback trail into
// extraction-surface examples bucketed by text hash. A corrected
// prediction yields two examples on the same text, the wrong label at
// reward 0 and the correction at reward 1, which is exactly the shape
// the pair builder wants. Confirmed predictions yield one reward-1
// example that pairs only against later mistakes on the same text.
func (s *Service) ExamplesFromFeedback(limit int) ([]Example, error) {
	rows, err := s.store.RecentFeedback(limit)
	if err != nil {
		return nil, err
	}

	var out []Example
	for _, f := range rows {
		if f.TextHash == "" || f.Actual == "" {
			continue
		}
		prompt := f.TextExcerpt
		if prompt == "" {
			prompt = f.TextHash
		}
		out = append(out, Example{
			Surface:  SurfaceExtraction,
			StateKey: f.TextHash,
			Prompt:   prompt,
			Response: f.Actual,
			Reward:   1,
		})
		if !f.Correct && f.Predicted != "" {
			out = append(out, Example{
				Surface:  SurfaceExtraction,
				StateKey: f.TextHash,
				Prompt:   prompt,
				Response: f.Predicted,
				Reward:   0,
			})
		}
	}
	return out, nil
}
