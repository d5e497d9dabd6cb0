// Package graph maintains the money-flow property graph: one node per
// address, one directed edge per (sender, receiver, asset), plus labels,
// typed relations, and periodically recomputed analytics.
package graph

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/chainscope/indexer-go/internal/errs"
)

// Node labels produced by consumers.
const (
	LabelAgent    = "agent"
	LabelNeuron   = "neuron"
	LabelTreasury = "treasury"
	LabelSystem   = "system"
)

// Relation types.
const (
	RelOwnsSubnet = "owns_subnet"
)

// Node is one address in the graph with its aggregate counters. Analytics
// fields are zero until the first analytics pass covers the node.
type Node struct {
	Address         string  `json:"address"`
	TransferCount   uint64  `json:"transfer_count"`
	UniqueSenders   uint64  `json:"unique_senders"`
	UniqueReceivers uint64  `json:"unique_receivers"`
	NeighborCount   uint64  `json:"neighbor_count"`
	FirstSeen       uint32  `json:"first_seen"`
	LastSeen        uint32  `json:"last_seen"`
	CommunityID     uint32  `json:"community_id"`
	PageRank        float64 `json:"page_rank"`
}

// Edge is one directed (from, to, asset) flow aggregate.
type Edge struct {
	From          string `json:"from"`
	To            string `json:"to"`
	Asset         string `json:"asset"`
	TransferCount uint64 `json:"transfer_count"`
	TotalAmount   string `json:"total_amount"`
	FirstHeight   uint32 `json:"first_height"`
	LastHeight    uint32 `json:"last_height"`
}

// Community is one connected cluster found by the analytics pass.
type Community struct {
	ID   uint32 `json:"id"`
	Size int    `json:"size"`
}

// Transfer is one value movement to fold into the graph. Touch marks a
// node-only activity (an endowment) that creates or refreshes the From
// node without counting as a transfer.
type Transfer struct {
	From   string
	To     string
	Asset  string
	Amount *big.Int
	Height uint32
	Touch  bool
}

// Config holds graph store configuration.
type Config struct {
	// Path is the database directory.
	Path string

	// CacheMB is the pebble block cache size in megabytes.
	CacheMB int
}

// Validate validates the graph configuration.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	return nil
}

// Store is the pebble-backed graph store.
type Store struct {
	db     *pebble.DB
	logger *zap.Logger
	closed atomic.Bool
}

// Open opens or creates the graph store.
func Open(cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cacheMB := cfg.CacheMB
	if cacheMB <= 0 {
		cacheMB = 64
	}
	db, err := pebble.Open(cfg.Path, &pebble.Options{
		Cache: pebble.NewCache(int64(cacheMB) << 20),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open graph database: %w", err)
	}
	return &Store{db: db, logger: zap.NewNop()}, nil
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(log *zap.Logger) {
	s.logger = log
}

// Close closes the store.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureNotClosed() error {
	if s.closed.Load() {
		return fmt.Errorf("graph store is closed")
	}
	return nil
}

// AppliedHeight returns the watermark: every transfer at a height strictly
// below it has already been folded in.
func (s *Store) AppliedHeight(ctx context.Context) (uint32, error) {
	if err := s.ensureNotClosed(); err != nil {
		return 0, err
	}
	return s.getUint32([]byte(appliedKey))
}

// Counts returns the number of nodes and edges.
func (s *Store) Counts(ctx context.Context) (nodes, edges uint64, err error) {
	if err := s.ensureNotClosed(); err != nil {
		return 0, 0, err
	}
	nodes, err = s.getUint64([]byte(nodeCountKey))
	if err != nil {
		return 0, 0, err
	}
	edges, err = s.getUint64([]byte(edgeCountKey))
	return nodes, edges, err
}

// ApplyTransfers folds a batch of transfers into the graph atomically.
// Transfers at or below the applied watermark are skipped, so replaying a
// batch after a crash cannot double-count. Self-transfers touch the node's
// activity counters but never create an edge or counterparty marker.
func (s *Store) ApplyTransfers(ctx context.Context, transfers []Transfer) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	if len(transfers) == 0 {
		return nil
	}

	applied, err := s.getUint32([]byte(appliedKey))
	if err != nil {
		return err
	}

	nodes := make(map[string]*Node)
	edges := make(map[string]*Edge)
	markers := make(map[string]bool)
	var newNodes, newEdges uint64
	watermark := applied

	node := func(addr string, height uint32) (*Node, error) {
		if n, ok := nodes[addr]; ok {
			return n, nil
		}
		n, err := s.Node(ctx, addr)
		if err != nil {
			return nil, err
		}
		if n == nil {
			n = &Node{Address: addr, FirstSeen: height}
			newNodes++
		}
		nodes[addr] = n
		return n, nil
	}

	edge := func(from, to, asset string, height uint32) (*Edge, error) {
		key := string(EdgeKey(from, to, asset))
		if e, ok := edges[key]; ok {
			return e, nil
		}
		e, err := s.Edge(ctx, from, to, asset)
		if err != nil {
			return nil, err
		}
		if e == nil {
			e = &Edge{From: from, To: to, Asset: asset, TotalAmount: "0", FirstHeight: height}
			newEdges++
		}
		edges[key] = e
		return e, nil
	}

	// firstMarker reports whether key is absent from both the store and the
	// pending batch, recording it as pending.
	firstMarker := func(key []byte) (bool, error) {
		k := string(key)
		if markers[k] {
			return false, nil
		}
		ok, err := s.hasKey(key)
		if err != nil {
			return false, err
		}
		markers[k] = true
		return !ok, nil
	}

	for _, t := range transfers {
		if t.Height < applied {
			continue
		}
		if t.Height+1 > watermark {
			watermark = t.Height + 1
		}
		if t.From == "" || (t.To == "" && !t.Touch) {
			return errs.Ef(errs.KindInvariant, "graph.ApplyTransfers",
				"transfer at height %d missing endpoint", t.Height)
		}

		from, err := node(t.From, t.Height)
		if err != nil {
			return err
		}
		if t.Touch {
			from.LastSeen = t.Height
			continue
		}
		from.TransferCount++
		from.LastSeen = t.Height

		if t.From == t.To {
			continue
		}

		to, err := node(t.To, t.Height)
		if err != nil {
			return err
		}
		to.TransferCount++
		to.LastSeen = t.Height

		e, err := edge(t.From, t.To, t.Asset, t.Height)
		if err != nil {
			return err
		}
		e.TransferCount++
		e.LastHeight = t.Height
		total, ok := new(big.Int).SetString(e.TotalAmount, 10)
		if !ok {
			return errs.Ef(errs.KindInvariant, "graph.ApplyTransfers",
				"corrupt edge total %q", e.TotalAmount)
		}
		if t.Amount != nil {
			total.Add(total, t.Amount)
		}
		e.TotalAmount = total.String()

		first, err := firstMarker(SeenOutKey(t.From, t.To))
		if err != nil {
			return err
		}
		if first {
			from.UniqueReceivers++
			to.UniqueSenders++
		}
		first, err = firstMarker(SeenNeighborKey(t.From, t.To))
		if err != nil {
			return err
		}
		if first {
			from.NeighborCount++
			to.NeighborCount++
		}
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for addr, n := range nodes {
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		if err := batch.Set(NodeKey(addr), data, nil); err != nil {
			return err
		}
	}
	for key, e := range edges {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := batch.Set([]byte(key), data, nil); err != nil {
			return err
		}
	}
	for key := range markers {
		if err := batch.Set([]byte(key), nil, nil); err != nil {
			return err
		}
	}

	if err := s.stageCounter(batch, []byte(nodeCountKey), newNodes); err != nil {
		return err
	}
	if err := s.stageCounter(batch, []byte(edgeCountKey), newEdges); err != nil {
		return err
	}

	height := make([]byte, 4)
	binary.BigEndian.PutUint32(height, watermark)
	if err := batch.Set([]byte(appliedKey), height, nil); err != nil {
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit graph batch: %w", err)
	}
	return nil
}

// Node returns the node record for an address, or nil if absent.
func (s *Store) Node(ctx context.Context, addr string) (*Node, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	value, closer, err := s.db.Get(NodeKey(addr))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read node %s: %w", addr, err)
	}
	defer closer.Close()
	var n Node
	if err := json.Unmarshal(value, &n); err != nil {
		return nil, fmt.Errorf("node %s: %w", addr, err)
	}
	return &n, nil
}

// Edge returns the edge record, or nil if absent.
func (s *Store) Edge(ctx context.Context, from, to, asset string) (*Edge, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	value, closer, err := s.db.Get(EdgeKey(from, to, asset))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read edge %s->%s: %w", from, to, err)
	}
	defer closer.Close()
	var e Edge
	if err := json.Unmarshal(value, &e); err != nil {
		return nil, fmt.Errorf("edge %s->%s: %w", from, to, err)
	}
	return &e, nil
}

// SetLabel adds a label to an address. Labels accumulate and setting one
// twice is a no-op.
func (s *Store) SetLabel(ctx context.Context, addr, label string) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	return s.db.Set(LabelKey(addr, label), nil, pebble.Sync)
}

// Labels returns the labels attached to an address, in key order.
func (s *Store) Labels(ctx context.Context, addr string) ([]string, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	prefix := labelPrefix + addr + "/"
	var out []string
	err := s.forEachKey(prefix, func(key []byte, _ []byte) error {
		out = append(out, string(key[len(prefix):]))
		return nil
	})
	return out, err
}

// AddRelation records a typed relation between two addresses.
func (s *Store) AddRelation(ctx context.Context, relType, from, to string) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	return s.db.Set(RelationKey(relType, from, to), nil, pebble.Sync)
}

// Relations returns the (from, to) pairs of one relation type.
func (s *Store) Relations(ctx context.Context, relType string) ([][2]string, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	prefix := relPrefix + relType + "/"
	var out [][2]string
	err := s.forEachKey(prefix, func(key []byte, _ []byte) error {
		rest := string(key[len(prefix):])
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			return fmt.Errorf("malformed relation key %q", key)
		}
		out = append(out, [2]string{parts[0], parts[1]})
		return nil
	})
	return out, err
}

// Communities returns the community records in id order, empty before the
// first analytics pass.
func (s *Store) Communities(ctx context.Context) ([]Community, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	var out []Community
	err := s.forEachKey(commPrefix, func(_ []byte, value []byte) error {
		var c Community
		if err := json.Unmarshal(value, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

// Embedding returns a node's embedding vector, or nil before the first
// analytics pass.
func (s *Store) Embedding(ctx context.Context, addr string) ([]float64, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	value, closer, err := s.db.Get(EmbeddingKey(addr))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()
	var out []float64
	if err := json.Unmarshal(value, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// forEachNode iterates every node record.
func (s *Store) forEachNode(fn func(n Node) error) error {
	return s.forEachKey(nodePrefix, func(_ []byte, value []byte) error {
		var n Node
		if err := json.Unmarshal(value, &n); err != nil {
			return err
		}
		return fn(n)
	})
}

// forEachEdge iterates every edge record.
func (s *Store) forEachEdge(fn func(e Edge) error) error {
	return s.forEachKey(edgePrefix, func(_ []byte, value []byte) error {
		var e Edge
		if err := json.Unmarshal(value, &e); err != nil {
			return err
		}
		return fn(e)
	})
}

func (s *Store) forEachKey(prefix string, fn func(key, value []byte) error) error {
	lower, upper := prefixBounds(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *Store) hasKey(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

func (s *Store) getUint32(key []byte) (uint32, error) {
	value, closer, err := s.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	defer closer.Close()
	if len(value) != 4 {
		return 0, fmt.Errorf("corrupt value at %s", key)
	}
	return binary.BigEndian.Uint32(value), nil
}

func (s *Store) getUint64(key []byte) (uint64, error) {
	value, closer, err := s.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	defer closer.Close()
	if len(value) != 8 {
		return 0, fmt.Errorf("corrupt value at %s", key)
	}
	return binary.BigEndian.Uint64(value), nil
}

func (s *Store) stageCounter(batch *pebble.Batch, key []byte, delta uint64) error {
	if delta == 0 {
		return nil
	}
	current, err := s.getUint64(key)
	if err != nil {
		return err
	}
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, current+delta)
	return batch.Set(key, value, nil)
}
