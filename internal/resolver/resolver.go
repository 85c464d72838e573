// Package resolver turns free-text work-item references into canonical
// records. Identity resolution is exact-only: a near match must never
// stand in for the user's intent, because everything downstream (the
// blocked flag, the escalation) would attach to the wrong record.
package resolver

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"teampulse/internal/domain"
	"teampulse/internal/repo"
)

const (
	// markerPrefix is the list-bullet prefix users paste in from the
	// planning doc; it is stripped before comparison.
	markerPrefix = "* "

	defaultShardTimeout = 3 * time.Second
	maxParallelShards   = 4
)

type Resolver struct {
	Repo         repo.Repo
	Shards       []string
	ShardTimeout time.Duration
	Logger       *log.Logger
}

func (r Resolver) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

func (r Resolver) shardTimeout() time.Duration {
	if r.ShardTimeout > 0 {
		return r.ShardTimeout
	}
	return defaultShardTimeout
}

// Normalize strips the marker prefix and collapses case and whitespace.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, markerPrefix)
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Resolve finds the canonical work item whose normalized name equals
// the normalized input. Shards are scanned in their configured order;
// the first exact hit wins and scanning stops. An unreachable or slow
// shard is skipped: a partial outage degrades recall, never
// correctness, since only exact matches are accepted.
func (r Resolver) Resolve(ctx context.Context, freeText string) domain.ResolvedReference {
	needle := Normalize(freeText)
	if needle == "" {
		return domain.ResolvedReference{}
	}
	for _, shard := range r.Shards {
		item, ok := r.scanShard(ctx, shard, needle)
		if ok {
			return domain.ResolvedReference{
				Found:         true,
				WorkItemID:    item.ID,
				Shard:         shard,
				CanonicalName: item.Name,
			}
		}
	}
	return domain.ResolvedReference{}
}

func (r Resolver) scanShard(ctx context.Context, shard, needle string) (domain.WorkItem, bool) {
	sctx, cancel := context.WithTimeout(ctx, r.shardTimeout())
	defer cancel()
	items, err := r.Repo.WorkItemsInShard(sctx, shard)
	if err != nil {
		// Treated as "no match here"; the caller keeps scanning.
		r.logger().Printf("resolver: shard %s unavailable: %v", shard, err)
		return domain.WorkItem{}, false
	}
	for _, item := range items {
		if Normalize(item.Name) == needle {
			return item, true
		}
	}
	return domain.WorkItem{}, false
}

// Candidates gathers every work item across all shards, for advisory
// "did you mean" scoring. Shards are fetched in parallel with a
// per-shard timeout; failed shards contribute nothing.
func (r Resolver) Candidates(ctx context.Context) []domain.WorkItem {
	var (
		mu  sync.Mutex
		all []domain.WorkItem
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelShards)
	for _, shard := range r.Shards {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, r.shardTimeout())
			defer cancel()
			items, err := r.Repo.WorkItemsInShard(sctx, shard)
			if err != nil {
				r.logger().Printf("resolver: shard %s unavailable: %v", shard, err)
				return nil
			}
			mu.Lock()
			all = append(all, items...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return all
}

// FindBestSimilar scores candidates against the input and returns the
// closest one. Display use only: a score below 1.0 is not a confirmed
// match and must never feed back into identity resolution.
func FindBestSimilar(freeText string, candidates []domain.WorkItem) (domain.Candidate, bool) {
	needle := Normalize(freeText)
	if needle == "" || len(candidates) == 0 {
		return domain.Candidate{}, false
	}
	best := domain.Candidate{}
	found := false
	for _, c := range candidates {
		score := Similarity(needle, Normalize(c.Name))
		if !found || score > best.Score {
			best = domain.Candidate{WorkItemID: c.ID, Shard: c.Shard, Name: c.Name, Score: score}
			found = true
		}
	}
	return best, found
}

// Similarity blends word overlap (70%) with character-positional
// overlap (30%), yielding a score in [0,1]. Substring containment
// substitutes a length ratio for the positional term on strings longer
// than three characters.
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	wordsA := strings.Fields(a)
	wordsB := strings.Fields(b)
	word := wordOverlap(wordsA, wordsB)

	char := 0.0
	if len(a) > 3 && len(b) > 3 {
		if strings.Contains(a, b) || strings.Contains(b, a) {
			char = float64(min(len(a), len(b))) / float64(max(len(a), len(b)))
		} else {
			common := 0
			shorter := min(len(a), len(b))
			for i := 0; i < shorter; i++ {
				if a[i] == b[i] {
					common++
				}
			}
			char = float64(common) / float64(shorter)
		}
	}
	return word*0.7 + char*0.3
}

func wordOverlap(a, b []string) float64 {
	setA := make(map[string]bool, len(a))
	for _, w := range a {
		setA[w] = true
	}
	setB := make(map[string]bool, len(b))
	for _, w := range b {
		setB[w] = true
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	common := 0
	for w := range setA {
		if setB[w] {
			common++
		}
	}
	return float64(common) / float64(max(len(setA), len(setB)))
}
