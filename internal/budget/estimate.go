package budget

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts prompt tokens for reservations. It uses the cl100k_base
// BPE; when the encoding tables are unavailable it falls back to the usual
// four-characters-per-token heuristic so reservations still happen.
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewEstimator creates a lazy estimator; the encoder loads on first use.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Estimate returns the estimated token count for text, always at least 1 for
// non-empty input.
func (e *Estimator) Estimate(text string) int64 {
	if text == "" {
		return 0
	}

	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			e.enc = enc
		}
	})

	var n int64
	if e.enc != nil {
		n = int64(len(e.enc.Encode(text, nil, nil)))
	} else {
		n = int64(len(text) / 4)
	}
	if n < 1 {
		n = 1
	}
	return n
}
