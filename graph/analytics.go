package graph

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

const (
	labelPropMaxIters = 16
	pageRankDamping   = 0.85
	pageRankIters     = 20
)

// RunAnalytics recomputes community assignments, per-community PageRank,
// and node embeddings over the whole graph. The computation is
// deterministic: nodes are processed in address order and label ties break
// toward the smallest label, so reruns over the same graph produce the
// same assignments.
func (s *Store) RunAnalytics(ctx context.Context) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	start := time.Now()

	nodes := make(map[string]Node)
	if err := s.forEachNode(func(n Node) error {
		nodes[n.Address] = n
		return nil
	}); err != nil {
		return err
	}
	if len(nodes) == 0 {
		return nil
	}

	addrs := make([]string, 0, len(nodes))
	for a := range nodes {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)

	neighbors, out, err := s.adjacency(nodes)
	if err != nil {
		return err
	}

	community := propagateLabels(addrs, neighbors)
	communityIDs := numberCommunities(community)
	rank := pageRankByCommunity(addrs, community, out)

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, addr := range addrs {
		n := nodes[addr]
		n.CommunityID = communityIDs[community[addr]]
		n.PageRank = rank[addr]

		data, err := json.Marshal(&n)
		if err != nil {
			return err
		}
		if err := batch.Set(NodeKey(addr), data, nil); err != nil {
			return err
		}

		emb, err := json.Marshal([]float64{
			float64(n.TransferCount),
			float64(n.UniqueSenders),
			float64(n.UniqueReceivers),
			float64(n.NeighborCount),
			float64(n.CommunityID),
			n.PageRank,
		})
		if err != nil {
			return err
		}
		if err := batch.Set(EmbeddingKey(addr), emb, nil); err != nil {
			return err
		}
	}

	// Community records are recomputed wholesale; stale ids from a previous
	// pass are dropped first.
	sizes := make(map[uint32]int, len(communityIDs))
	for _, addr := range addrs {
		sizes[communityIDs[community[addr]]]++
	}
	lower, upper := prefixBounds(commPrefix)
	if err := batch.DeleteRange(lower, upper, nil); err != nil {
		return err
	}
	for id, size := range sizes {
		data, err := json.Marshal(Community{ID: id, Size: size})
		if err != nil {
			return err
		}
		if err := batch.Set(CommunityKey(id), data, nil); err != nil {
			return err
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}

	s.logger.Info("analytics pass complete",
		zap.Int("nodes", len(nodes)),
		zap.Int("communities", len(communityIDs)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// adjacency builds the undirected neighbor sets and the directed outgoing
// sets from the stored markers, restricted to known nodes.
func (s *Store) adjacency(nodes map[string]Node) (neighbors, out map[string][]string, err error) {
	neighbors = make(map[string][]string, len(nodes))
	out = make(map[string][]string, len(nodes))

	err = s.forEachKey(seenNbPrefix, func(key []byte, _ []byte) error {
		a, b, ok := splitPair(string(key[len(seenNbPrefix):]))
		if !ok {
			return nil
		}
		if _, knownA := nodes[a]; !knownA {
			return nil
		}
		if _, knownB := nodes[b]; !knownB {
			return nil
		}
		neighbors[a] = append(neighbors[a], b)
		neighbors[b] = append(neighbors[b], a)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	err = s.forEachKey(seenOutPrefix, func(key []byte, _ []byte) error {
		from, to, ok := splitPair(string(key[len(seenOutPrefix):]))
		if !ok {
			return nil
		}
		if _, known := nodes[from]; !known {
			return nil
		}
		if _, known := nodes[to]; !known {
			return nil
		}
		out[from] = append(out[from], to)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	for a := range neighbors {
		sort.Strings(neighbors[a])
	}
	for a := range out {
		sort.Strings(out[a])
	}
	return neighbors, out, nil
}

func splitPair(rest string) (string, string, bool) {
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}

// propagateLabels assigns each address a community label by iterative
// label propagation. Every node starts labeled with its own address; each
// sweep processes addresses in sorted order and adopts the most frequent
// neighbor label, smallest label on ties.
func propagateLabels(addrs []string, neighbors map[string][]string) map[string]string {
	label := make(map[string]string, len(addrs))
	for _, a := range addrs {
		label[a] = a
	}

	for iter := 0; iter < labelPropMaxIters; iter++ {
		changed := false
		for _, a := range addrs {
			nbs := neighbors[a]
			if len(nbs) == 0 {
				continue
			}
			counts := make(map[string]int, len(nbs))
			counts[label[a]]++
			for _, b := range nbs {
				counts[label[b]]++
			}
			best := label[a]
			bestCount := counts[best]
			for l, c := range counts {
				if c > bestCount || (c == bestCount && l < best) {
					best, bestCount = l, c
				}
			}
			if best != label[a] {
				label[a] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return label
}

// numberCommunities maps community labels to stable numeric ids, assigned
// in sorted label order starting at 1.
func numberCommunities(community map[string]string) map[string]uint32 {
	labels := make([]string, 0)
	seen := make(map[string]bool)
	for _, l := range community {
		if !seen[l] {
			seen[l] = true
			labels = append(labels, l)
		}
	}
	sort.Strings(labels)

	ids := make(map[string]uint32, len(labels))
	for i, l := range labels {
		ids[l] = uint32(i + 1)
	}
	return ids
}

// pageRankByCommunity runs PageRank independently inside each community
// over the directed counterparty graph. Dangling mass is spread uniformly
// within the community.
func pageRankByCommunity(addrs []string, community map[string]string, out map[string][]string) map[string]float64 {
	members := make(map[string][]string)
	for _, a := range addrs {
		l := community[a]
		members[l] = append(members[l], a)
	}

	rank := make(map[string]float64, len(addrs))
	for _, group := range members {
		n := float64(len(group))
		cur := make(map[string]float64, len(group))
		for _, a := range group {
			cur[a] = 1 / n
		}

		for iter := 0; iter < pageRankIters; iter++ {
			next := make(map[string]float64, len(group))
			dangling := 0.0
			for _, a := range group {
				var targets []string
				for _, t := range out[a] {
					if community[t] == community[a] {
						targets = append(targets, t)
					}
				}
				if len(targets) == 0 {
					dangling += cur[a]
					continue
				}
				share := cur[a] / float64(len(targets))
				for _, t := range targets {
					next[t] += share
				}
			}
			for _, a := range group {
				next[a] = (1-pageRankDamping)/n + pageRankDamping*(next[a]+dangling/n)
			}
			cur = next
		}
		for a, r := range cur {
			rank[a] = r
		}
	}
	return rank
}
