/*
Package metastore is the transactional record store backing the metadata
manager: buckets for directories, files, blocks (each embedding its
location set), storage nodes, and the HA controller's persistent term /
voted-for state. Every mutation — including cross-bucket ones like
deleting a file and cascading its block rows — runs inside a single bbolt
transaction.
*/
package metastore

import (
	"encoding/json"
	"fmt"

	"github.com/blockmesh/dfs/pkg/dfserr"
	"github.com/blockmesh/dfs/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDirectories = []byte("directories")
	bucketFiles       = []byte("files")
	bucketBlocks      = []byte("blocks")
	bucketDataNodes   = []byte("datanodes")
	bucketHAState     = []byte("ha_state")
)

// Store wraps a single bbolt database file.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures every
// bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open metadata db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDirectories, bucketFiles, bucketBlocks, bucketDataNodes, bucketHAState} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Directories ---

func (s *Store) PutDirectory(d *types.Directory) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketDirectories), []byte(d.Path), d)
	})
}

func (s *Store) GetDirectory(path string) (*types.Directory, error) {
	var d types.Directory
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketDirectories), []byte(path), &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) DeleteDirectory(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDirectories).Delete([]byte(path))
	})
}

// ListDirectoryChildren returns immediate child directories of parent.
func (s *Store) ListDirectoryChildren(parent string) ([]*types.Directory, error) {
	var out []*types.Directory
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDirectories).ForEach(func(_, v []byte) error {
			var d types.Directory
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if isImmediateChild(parent, d.Path) {
				out = append(out, &d)
			}
			return nil
		})
	})
	return out, err
}

// --- Files ---

func (s *Store) PutFile(f *types.File) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketFiles), []byte(f.ID), f)
	})
}

func (s *Store) GetFile(id string) (*types.File, error) {
	var f types.File
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketFiles), []byte(id), &f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) GetFileByPath(path string) (*types.File, error) {
	var found *types.File
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(_, v []byte) error {
			var f types.File
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			if f.Path == path {
				found = &f
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("file %s: %w", path, dfserr.ErrNotFound)
	}
	return found, nil
}

func (s *Store) ListFiles() ([]*types.File, error) {
	var out []*types.File
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(_, v []byte) error {
			var f types.File
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			out = append(out, &f)
			return nil
		})
	})
	return out, err
}

// ListFileChildrenOfDir returns files whose path is an immediate child of dir.
func (s *Store) ListFileChildrenOfDir(dir string) ([]*types.File, error) {
	all, err := s.ListFiles()
	if err != nil {
		return nil, err
	}
	var out []*types.File
	for _, f := range all {
		if isImmediateChild(dir, f.Path) {
			out = append(out, f)
		}
	}
	return out, nil
}

// DeleteFileCascade deletes a file and every block row it owns in one
// transaction; it returns the deleted block ids so the caller can issue
// best-effort DeleteBlock RPCs to storage nodes afterward.
func (s *Store) DeleteFileCascade(id string) ([]string, error) {
	var blockIDs []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		raw := files.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("file %s: %w", id, dfserr.ErrNotFound)
		}
		var f types.File
		if err := json.Unmarshal(raw, &f); err != nil {
			return err
		}
		blockIDs = f.BlockIDs
		blocks := tx.Bucket(bucketBlocks)
		for _, bid := range blockIDs {
			if err := blocks.Delete([]byte(bid)); err != nil {
				return err
			}
		}
		return files.Delete([]byte(id))
	})
	return blockIDs, err
}

// --- Blocks ---

func (s *Store) PutBlock(b *types.Block) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketBlocks), []byte(b.ID), b)
	})
}

func (s *Store) GetBlock(id string) (*types.Block, error) {
	var b types.Block
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketBlocks), []byte(id), &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// UpdateBlock reads, mutates, and writes back a block row inside a single
// transaction, so concurrent add_location/remove_location calls on
// distinct blocks never contend and calls on the same block serialize.
func (s *Store) UpdateBlock(id string, mutate func(*types.Block) error) (*types.Block, error) {
	var out types.Block
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocks)
		raw := b.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("block %s: %w", id, dfserr.ErrNotFound)
		}
		var block types.Block
		if err := json.Unmarshal(raw, &block); err != nil {
			return err
		}
		if err := mutate(&block); err != nil {
			return err
		}
		data, err := json.Marshal(&block)
		if err != nil {
			return err
		}
		out = block
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) DeleteBlock(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).Delete([]byte(id))
	})
}

func (s *Store) ListBlocks() ([]*types.Block, error) {
	var out []*types.Block
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).ForEach(func(_, v []byte) error {
			var b types.Block
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, &b)
			return nil
		})
	})
	return out, err
}

// --- DataNodes ---

func (s *Store) PutDataNode(n *types.DataNode) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketDataNodes), []byte(n.ID), n)
	})
}

func (s *Store) GetDataNode(id string) (*types.DataNode, error) {
	var n types.DataNode
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketDataNodes), []byte(id), &n)
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Store) ListDataNodes() ([]*types.DataNode, error) {
	var out []*types.DataNode
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDataNodes).ForEach(func(_, v []byte) error {
			var n types.DataNode
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			out = append(out, &n)
			return nil
		})
	})
	return out, err
}

// --- HA persistent state ---

// HAState is the consensus controller's durable per-node state.
type HAState struct {
	CurrentTerm uint64
	VotedFor    string
}

var haStateKey = []byte("state")

func (s *Store) SaveHAState(st HAState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketHAState), haStateKey, &st)
	})
}

func (s *Store) LoadHAState() (HAState, error) {
	var st HAState
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketHAState).Get(haStateKey)
		if raw == nil {
			return nil // zero value: term 0, no vote
		}
		return json.Unmarshal(raw, &st)
	})
	return st, err
}

// --- helpers ---

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(b *bolt.Bucket, key []byte, out any) error {
	data := b.Get(key)
	if data == nil {
		return fmt.Errorf("%s: %w", key, dfserr.ErrNotFound)
	}
	return json.Unmarshal(data, out)
}

// isImmediateChild reports whether child's parent directory is exactly
// parent (both canonical absolute paths, root is "/").
func isImmediateChild(parent, child string) bool {
	if child == parent {
		return false
	}
	parentPrefix := parent
	if parentPrefix != "/" {
		parentPrefix += "/"
	}
	if len(child) <= len(parentPrefix) || child[:len(parentPrefix)] != parentPrefix {
		return false
	}
	rest := child[len(parentPrefix):]
	for _, c := range rest {
		if c == '/' {
			return false
		}
	}
	return true
}
