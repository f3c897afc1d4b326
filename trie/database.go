package trie

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrNodeNotFound = errors.New("trie: node not found in database")
)

// NodeDatabase is an in-memory cache of trie nodes keyed by hash, filled by
// CommitTrie. chain.Adapter.MerklePatriciaProof does not use it; it builds
// its receipts trie and calls Hash and Prove directly. Nomad keeps no trie
// state across calls.
type NodeDatabase struct {
	mu    sync.RWMutex
	dirty map[common.Hash][]byte // uncommitted nodes
	size  int                   // total size of dirty data in bytes
}

// NewNodeDatabase creates an empty, in-memory trie node database.
func NewNodeDatabase() *NodeDatabase {
	return &NodeDatabase{
		dirty: make(map[common.Hash][]byte),
	}
}

// Node retrieves a trie node by hash from the dirty cache.
func (db *NodeDatabase) Node(hash common.Hash) ([]byte, error) {
	if hash == (common.Hash{}) {
		return nil, ErrNodeNotFound
	}

	db.mu.RLock()
	defer db.mu.RUnlock()
	if data, ok := db.dirty[hash]; ok {
		return data, nil
	}
	return nil, ErrNodeNotFound
}

// InsertNode stores a trie node in the dirty cache.
func (db *NodeDatabase) InsertNode(hash common.Hash, data []byte) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.dirty[hash]; !ok {
		db.size += len(data)
	}
	db.dirty[hash] = data
}

// DirtySize returns the total byte size of uncommitted nodes.
func (db *NodeDatabase) DirtySize() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.size
}

// DirtyCount returns the number of uncommitted nodes.
func (db *NodeDatabase) DirtyCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.dirty)
}

// CommitTrie collects all dirty nodes from the trie and stores them in
// the node database. Returns the root hash.
func CommitTrie(t *Trie, db *NodeDatabase) (common.Hash, error) {
	if t.root == nil {
		return emptyRoot, nil
	}

	h := newHasher()
	root, cached := commitNode(h, t.root, db)
	t.root = cached

	switch n := root.(type) {
	case hashNode:
		return common.BytesToHash(n), nil
	default:
		enc, err := encodeNode(root)
		if err != nil {
			return common.Hash{}, err
		}
		hash := crypto.Keccak256Hash(enc)
		db.InsertNode(hash, enc)
		return hash, nil
	}
}

// commitNode recursively hashes and stores all dirty nodes in the database.
func commitNode(h *hasher, n node, db *NodeDatabase) (node, node) {
	switch n := n.(type) {
	case nil:
		return nil, nil

	case valueNode:
		return n, n

	case hashNode:
		return n, n

	case *shortNode:
		// Commit child first.
		collapsed := n.copy()
		collapsed.Key = hexToCompact(n.Key)

		cached := n.copy()
		if _, ok := n.Val.(valueNode); !ok {
			childH, childC := commitNode(h, n.Val, db)
			collapsed.Val = childH
			cached.Val = childC
		}

		// Encode and store.
		enc, err := encodeNode(collapsed)
		if err != nil {
			return collapsed, cached
		}
		if len(enc) >= 32 {
			hash := crypto.Keccak256(enc)
			db.InsertNode(common.BytesToHash(hash), enc)
			hn := hashNode(hash)
			cached.hash = hn
			cached.dirty = false
			return hn, cached
		}
		return collapsed, cached

	case *fullNode:
		collapsed := n.copy()
		cached := n.copy()

		for i := 0; i < 16; i++ {
			if n.Children[i] != nil {
				childH, childC := commitNode(h, n.Children[i], db)
				collapsed.Children[i] = childH
				cached.Children[i] = childC
			}
		}

		enc, err := encodeNode(collapsed)
		if err != nil {
			return collapsed, cached
		}
		if len(enc) >= 32 {
			hash := crypto.Keccak256(enc)
			db.InsertNode(common.BytesToHash(hash), enc)
			hn := hashNode(hash)
			cached.hash = hn
			cached.dirty = false
			return hn, cached
		}
		return collapsed, cached
	}

	return n, n
}
