package search

import (
	"context"
	"math"

	"github.com/google/uuid"
)

// LabeledCase is one evaluation fixture: a query plus the set of message
// ids a human labeled as relevant to it.
type LabeledCase struct {
	Query          string
	RelevantIDs    map[uuid.UUID]bool
	ConversationID *uuid.UUID
}

// Metrics aggregates rank-quality scores across a set of LabeledCases,
// averaged over every case, including cases with no relevant id returned.
type Metrics struct {
	MRR         float64
	HitAtK      float64
	RecallAtK   float64
	PrecisionAtK float64
	NDCGAtK     float64
	Cases       int
}

// Evaluate runs cfg against every case and averages the standard IR metrics
// at cutoff k, the harness spec §4.F asks for when comparing named
// strategies against each other.
func Evaluate(ctx context.Context, svc *Service, cases []LabeledCase, cfg Config, k int) (Metrics, error) {
	var m Metrics
	if len(cases) == 0 {
		return m, nil
	}

	var sumRR, sumHit, sumRecall, sumPrecision, sumNDCG float64
	for _, c := range cases {
		results, err := svc.Search(ctx, c.Query, cfg, c.ConversationID)
		if err != nil {
			return m, err
		}
		if len(results) > k {
			results = results[:k]
		}

		rr := 0.0
		hits := 0
		dcg := 0.0
		for i, r := range results {
			if c.RelevantIDs[r.MessageID] {
				hits++
				if rr == 0 {
					rr = 1 / float64(i+1)
				}
				dcg += 1 / math.Log2(float64(i+2))
			}
		}

		idcg := idealDCG(len(c.RelevantIDs), k)
		ndcg := 0.0
		if idcg > 0 {
			ndcg = dcg / idcg
		}

		hit := 0.0
		if hits > 0 {
			hit = 1
		}
		recall := 0.0
		if len(c.RelevantIDs) > 0 {
			recall = float64(hits) / float64(len(c.RelevantIDs))
		}
		precision := 0.0
		if k > 0 {
			precision = float64(hits) / float64(k)
		}

		sumRR += rr
		sumHit += hit
		sumRecall += recall
		sumPrecision += precision
		sumNDCG += ndcg
	}

	n := float64(len(cases))
	m.Cases = len(cases)
	m.MRR = sumRR / n
	m.HitAtK = sumHit / n
	m.RecallAtK = sumRecall / n
	m.PrecisionAtK = sumPrecision / n
	m.NDCGAtK = sumNDCG / n
	return m, nil
}

// idealDCG is the DCG of a perfectly-ranked result list with min(relevant,k)
// relevant hits at the top.
func idealDCG(relevantCount, k int) float64 {
	n := relevantCount
	if n > k {
		n = k
	}
	idcg := 0.0
	for i := 0; i < n; i++ {
		idcg += 1 / math.Log2(float64(i+2))
	}
	return idcg
}
