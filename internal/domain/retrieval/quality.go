package retrieval

import "github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"

// Quality weights and the document count at which coverage saturates.
const (
	meanWeight         = 0.6
	coverageWeight     = 0.2
	distributionWeight = 0.2
	coverageSaturation = 5
)

// Quality scores a retrieved set in [0, 1]:
//
//	0.6*mean + 0.2*min(n/5, 1) + 0.2*clamp((top - mean(rest))*2, 0, 1)
//
// Each document contributes Score(), so unreranked sets use similarity.
// A single document has a distribution factor of 1.
func Quality(docs []entities.RetrievedDocument) float64 {
	n := len(docs)
	if n == 0 {
		return 0
	}

	top := docs[0].Score()
	sum := 0.0
	for _, d := range docs {
		s := d.Score()
		sum += s
		if s > top {
			top = s
		}
	}
	mean := sum / float64(n)

	coverage := float64(n) / coverageSaturation
	if coverage > 1 {
		coverage = 1
	}

	distribution := 1.0
	if n > 1 {
		restMean := (sum - top) / float64(n-1)
		distribution = clamp((top-restMean)*2, 0, 1)
	}

	return meanWeight*mean + coverageWeight*coverage + distributionWeight*distribution
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
