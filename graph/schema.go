package graph

import "fmt"

// Key layout. SS58 addresses are base58 and never contain '/', so plain
// separators are unambiguous.
//
//	/node/{addr}              node record
//	/edge/{from}/{to}/{asset} edge record
//	/seen/out/{from}/{to}     directional counterparty marker
//	/seen/nb/{min}/{max}      unordered neighbor marker
//	/label/{addr}/{label}     node label marker
//	/rel/{type}/{from}/{to}   typed relation marker
//	/emb/{addr}               embedding vector
//	/comm/{id}                community record
//	/meta/...                 watermark and counters
const (
	nodePrefix    = "/node/"
	edgePrefix    = "/edge/"
	seenOutPrefix = "/seen/out/"
	seenNbPrefix  = "/seen/nb/"
	labelPrefix   = "/label/"
	relPrefix     = "/rel/"
	embPrefix     = "/emb/"
	commPrefix    = "/comm/"

	appliedKey   = "/meta/applied"
	nodeCountKey = "/meta/nodes"
	edgeCountKey = "/meta/edges"
)

// NodeKey returns the key for a node record.
func NodeKey(addr string) []byte {
	return []byte(nodePrefix + addr)
}

// EdgeKey returns the key for a directed, per-asset edge record.
func EdgeKey(from, to, asset string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%s", edgePrefix, from, to, asset))
}

// SeenOutKey marks that from has sent to to at least once.
func SeenOutKey(from, to string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", seenOutPrefix, from, to))
}

// SeenNeighborKey marks an unordered counterparty pair.
func SeenNeighborKey(a, b string) []byte {
	if b < a {
		a, b = b, a
	}
	return []byte(fmt.Sprintf("%s%s/%s", seenNbPrefix, a, b))
}

// LabelKey marks a label on a node.
func LabelKey(addr, label string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", labelPrefix, addr, label))
}

// RelationKey marks a typed relation between two nodes.
func RelationKey(relType, from, to string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%s", relPrefix, relType, from, to))
}

// EmbeddingKey returns the key for a node's embedding vector.
func EmbeddingKey(addr string) []byte {
	return []byte(embPrefix + addr)
}

// CommunityKey returns the key for a community record. Ids are
// zero-padded so iteration yields numeric order.
func CommunityKey(id uint32) []byte {
	return []byte(fmt.Sprintf("%s%010d", commPrefix, id))
}

// prefixBounds returns iterator bounds covering every key under prefix.
func prefixBounds(prefix string) ([]byte, []byte) {
	lower := []byte(prefix)
	upper := make([]byte, len(lower))
	copy(upper, lower)
	upper[len(upper)-1]++
	return lower, upper
}
