package dedup

import (
	"context"
	"math"
	"sort"

	"memvault/internal/catalog"
	"memvault/internal/config"
	"memvault/internal/memory"
)

// ScopeAll groups across agents. Any other scope names one agent.
const ScopeAll = "all"

// FindGroups runs the three grouping passes over mems: exact text, then
// normalized content hash, then vector similarity through index. A memory
// joins at most one group. Unless crossAgent is set, memories of different
// agents are never grouped together.
func FindGroups(ctx context.Context, index memory.Index, mems []memory.Memory, threshold float64, crossAgent bool) ([]catalog.DuplicateGroup, error) {
	var groups []catalog.DuplicateGroup
	for _, part := range partition(mems, crossAgent) {
		agent := ""
		if !crossAgent && len(part) > 0 {
			agent = part[0].AgentID
		}
		found, err := groupPartition(ctx, index, part, threshold, agent)
		if err != nil {
			return nil, err
		}
		groups = append(groups, found...)
	}
	return groups, nil
}

// partition splits mems by agent, keeping the input order within each part
// and ordering parts by agent id
func partition(mems []memory.Memory, crossAgent bool) [][]memory.Memory {
	if crossAgent {
		return [][]memory.Memory{mems}
	}
	byAgent := map[string][]memory.Memory{}
	var agents []string
	for _, m := range mems {
		if _, ok := byAgent[m.AgentID]; !ok {
			agents = append(agents, m.AgentID)
		}
		byAgent[m.AgentID] = append(byAgent[m.AgentID], m)
	}
	sort.Strings(agents)

	parts := make([][]memory.Memory, len(agents))
	for i, a := range agents {
		parts[i] = byAgent[a]
	}
	return parts
}

func groupPartition(ctx context.Context, index memory.Index, mems []memory.Memory, threshold float64, agent string) ([]catalog.DuplicateGroup, error) {
	grouped := make([]bool, len(mems))
	var groups []catalog.DuplicateGroup

	collect := func(basis catalog.MatchBasis, key func(memory.Memory) string) {
		buckets := map[string][]int{}
		var order []string
		for i, m := range mems {
			if grouped[i] {
				continue
			}
			k := key(m)
			if _, ok := buckets[k]; !ok {
				order = append(order, k)
			}
			buckets[k] = append(buckets[k], i)
		}
		for _, k := range order {
			idx := buckets[k]
			if len(idx) < 2 {
				continue
			}
			for _, i := range idx {
				grouped[i] = true
			}
			groups = append(groups, newGroup(pick(mems, idx), basis, 1.0))
		}
	}

	collect(catalog.MatchExactText, func(m memory.Memory) string { return m.Content })
	collect(catalog.MatchContentHash, func(m memory.Memory) string {
		if m.ContentHash != "" {
			return m.ContentHash
		}
		return memory.ContentHash(m.Content)
	})

	similar, err := similarityGroups(ctx, index, mems, grouped, threshold, agent)
	if err != nil {
		return nil, err
	}
	return append(groups, similar...), nil
}

// similarityGroups asks the index for the neighbours of every ungrouped
// memory and links those that are themselves ungrouped candidates of this
// partition. The connected components become groups. Neighbours the index
// returns outside the candidate set are ignored. A group's score is its
// weakest link, measured on the embeddings of the two linked memories.
func similarityGroups(ctx context.Context, index memory.Index, mems []memory.Memory, grouped []bool, threshold float64, agent string) ([]catalog.DuplicateGroup, error) {
	var candidates []int
	position := map[string]int{}
	for i, m := range mems {
		if !grouped[i] && len(m.Embedding) > 0 {
			candidates = append(candidates, i)
			position[m.ID] = i
		}
	}
	if len(candidates) < 2 {
		return nil, nil
	}

	uf := newUnionFind(len(mems))
	minScore := map[int]float64{}
	for _, i := range candidates {
		matches, err := index.Similar(ctx, mems[i], threshold, agent)
		if err != nil {
			return nil, err
		}
		for _, match := range matches {
			j, ok := position[match.ID]
			if !ok || j == i {
				continue
			}
			sim := memory.Cosine(mems[i].Embedding, mems[j].Embedding)
			ri, rj := uf.find(i), uf.find(j)
			score := sim
			if s, ok := minScore[ri]; ok && s < score {
				score = s
			}
			if s, ok := minScore[rj]; ok && s < score {
				score = s
			}
			root := uf.union(ri, rj)
			minScore[root] = score
		}
	}

	components := map[int][]int{}
	var roots []int
	for _, i := range candidates {
		r := uf.find(i)
		if _, ok := components[r]; !ok {
			roots = append(roots, r)
		}
		components[r] = append(components[r], i)
	}

	var groups []catalog.DuplicateGroup
	for _, r := range roots {
		idx := components[r]
		if len(idx) < 2 {
			continue
		}
		for _, i := range idx {
			grouped[i] = true
		}
		groups = append(groups, newGroup(pick(mems, idx), catalog.MatchVectorSimilarity, math.Round(minScore[r]*10000)/10000))
	}
	return groups, nil
}

func pick(mems []memory.Memory, idx []int) []memory.Memory {
	out := make([]memory.Memory, len(idx))
	for i, j := range idx {
		out[i] = mems[j]
	}
	return out
}

// newGroup orders members by creation time and chooses the keeper
func newGroup(members []memory.Memory, basis catalog.MatchBasis, score float64) catalog.DuplicateGroup {
	sortByCreated(members)

	g := catalog.DuplicateGroup{
		MatchBasis:      basis,
		SimilarityScore: score,
		KeeperID:        Keeper(members).ID,
		AgentID:         members[0].AgentID,
		TokenEstimate:   groupSavings(members),
	}
	for _, m := range members {
		g.Members = append(g.Members, m.ID)
		if m.AgentID != g.AgentID {
			g.AgentID = ""
		}
	}
	return g
}

// Keeper returns the member that survives a merge: the newest by
// created_at, ties broken by the smallest id. Strategies differ only in what
// happens to the other members.
func Keeper(members []memory.Memory) memory.Memory {
	best := members[0]
	for _, m := range members[1:] {
		if m.CreatedAt.After(best.CreatedAt) || (m.CreatedAt.Equal(best.CreatedAt) && m.ID < best.ID) {
			best = m
		}
	}
	return best
}

// groupSavings is (members-1) times the average token estimate of a member
func groupSavings(members []memory.Memory) int64 {
	var total int64
	for _, m := range members {
		total += memory.EstimateTokens(m.Content)
	}
	n := int64(len(members))
	return total * (n - 1) / n
}

func sortByCreated(mems []memory.Memory) {
	sort.SliceStable(mems, func(a, b int) bool {
		if !mems[a].CreatedAt.Equal(mems[b].CreatedAt) {
			return mems[a].CreatedAt.Before(mems[b].CreatedAt)
		}
		return mems[a].ID < mems[b].ID
	})
}

// validStrategy reports whether s is a known merge strategy
func validStrategy(s string) bool {
	switch s {
	case config.MergeKeepNewest, config.MergeKeepBoth, config.MergeAppend:
		return true
	}
	return false
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

// union joins the sets of roots a and b and returns the new root
func (u *unionFind) union(a, b int) int {
	if a == b {
		return a
	}
	if u.rank[a] < u.rank[b] {
		a, b = b, a
	}
	u.parent[b] = a
	if u.rank[a] == u.rank[b] {
		u.rank[a]++
	}
	return a
}
