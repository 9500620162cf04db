package kvstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/TobiSchelling/AICouncil/internal/metrics"
	"github.com/TobiSchelling/AICouncil/internal/tree"
)

// maxTxnAttempts bounds how often a transaction is re-run after Badger
// reports a commit conflict.
const maxTxnAttempts = 16

// Store implements tree.Store on Badger.
type Store struct {
	db       *badger.DB
	seq      *badger.Sequence
	gc       *gcRunner
	logger   *zap.Logger
	inMemory bool
}

var _ tree.Store = (*Store)(nil)

type treeRecord struct {
	RootID  string `json:"root_id,omitempty"`
	NextSeq int64  `json:"next_seq"`
}

// Open opens the Badger database described by cfg.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}

	seq, err := db.GetSequence(interactionSeqKey, 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("interaction sequence: %w", err)
	}

	s := &Store{db: db, seq: seq, logger: logger, inMemory: cfg.InMemory}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
		if err != nil {
			seq.Release()
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		s.gc = runner
		runner.start()
	}
	return s, nil
}

// OpenInMemory opens a throwaway store.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close stops background GC and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("releasing interaction sequence", zap.Error(err))
	}
	return s.db.Close()
}

// update runs fn in a read-write transaction, re-running it on commit
// conflicts. fn must derive everything it writes from what it reads.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return classify(err)
		}
		metrics.Conflicts.WithLabelValues("badger_txn").Inc()
	}
	return fmt.Errorf("transaction retries exhausted: %w", tree.ErrConflict)
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(s.db.View(fn))
}

func classify(err error) error {
	if errors.Is(err, badger.ErrBlockedWrites) || errors.Is(err, badger.ErrTxnTooBig) {
		return fmt.Errorf("%w: %w", tree.ErrStoreUnavailable, err)
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func scanPrefix(txn *badger.Txn, prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error { return fn(key, val) }); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateGuide(ctx context.Context, g *tree.Guide) error {
	ts := time.Now().UTC()
	return s.update(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(guideKey(g.ID))
		if err == nil {
			return fmt.Errorf("guide %s already exists", g.ID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		rec := *g
		rec.Roots = nil
		rec.History = nil
		rec.CreatedAt, rec.UpdatedAt = ts, ts
		if err := setJSON(txn, guideKey(g.ID), &rec); err != nil {
			return err
		}
		g.CreatedAt, g.UpdatedAt = ts, ts
		return nil
	})
}

func (s *Store) GetGuide(ctx context.Context, guideID string) (*tree.Guide, error) {
	var g tree.Guide
	err := s.view(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, guideKey(guideID), &g); err != nil {
			return err
		}
		g.Roots = make(map[string]string)
		prefix := treePrefix(guideID)
		return scanPrefix(txn, prefix, func(key, val []byte) error {
			var rec treeRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			if rec.RootID != "" {
				g.Roots[string(bytes.TrimPrefix(key, prefix))] = rec.RootID
			}
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("guide %s: %w", guideID, tree.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Store) ListGuides(ctx context.Context) ([]tree.Guide, error) {
	var guides []tree.Guide
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, guidePrefix(), func(_, val []byte) error {
			var g tree.Guide
			if err := json.Unmarshal(val, &g); err != nil {
				return err
			}
			g.History = nil
			guides = append(guides, g)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(guides, func(i, j int) bool {
		return guides[i].CreatedAt.After(guides[j].CreatedAt)
	})
	return guides, nil
}

func (s *Store) AdvanceStage(ctx context.Context, guideID string, from, to tree.Stage) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var g tree.Guide
		err := getJSON(txn, guideKey(guideID), &g)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("guide %s: %w", guideID, tree.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if g.Stage != from {
			return fmt.Errorf("guide %s is in stage %s, not %s: %w", guideID, g.Stage, from, tree.ErrConflict)
		}
		ts := time.Now().UTC()
		g.Stage = to
		g.UpdatedAt = ts
		g.History = append(g.History, tree.StageChange{From: from, To: to, At: ts})
		return setJSON(txn, guideKey(guideID), &g)
	})
}

func (s *Store) CreateRoot(ctx context.Context, key tree.Key, topic string) (string, error) {
	var id string
	err := s.update(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(guideKey(key.GuideID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("guide %s: %w", key.GuideID, tree.ErrNotFound)
		}
		if err != nil {
			return err
		}

		rec := treeRecord{NextSeq: 1}
		if err := getJSON(txn, treeKey(key), &rec); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if rec.RootID != "" {
			var root tree.Node
			if err := getJSON(txn, nodeKey(key, rec.RootID), &root); err != nil {
				return fmt.Errorf("reading root %s: %w", rec.RootID, err)
			}
			if root.Status != tree.StatusError {
				return fmt.Errorf("tree %s root %s is %s: %w", key, rec.RootID, root.Status, tree.ErrLiveRoot)
			}
		}

		seq := rec.NextSeq
		id = tree.NodeID(seq, true)
		if err := putNewNode(txn, key, id, seq, "", topic, 0); err != nil {
			return err
		}
		rec.RootID = id
		rec.NextSeq++
		return setJSON(txn, treeKey(key), &rec)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) CreateChild(ctx context.Context, key tree.Key, parentID, topic string) (string, error) {
	var id string
	err := s.update(ctx, func(txn *badger.Txn) error {
		var parent tree.Node
		err := getJSON(txn, nodeKey(key, parentID), &parent)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("parent %s in %s: %w", parentID, key, tree.ErrParentNotFound)
		}
		if err != nil {
			return err
		}
		if err := tree.CheckParent(parentID, parent.Status); err != nil {
			return err
		}

		var rec treeRecord
		if err := getJSON(txn, treeKey(key), &rec); err != nil {
			return fmt.Errorf("reading tree %s: %w", key, err)
		}
		seq := rec.NextSeq
		rec.NextSeq++
		if err := setJSON(txn, treeKey(key), &rec); err != nil {
			return err
		}

		id = tree.NodeID(seq, false)
		return putNewNode(txn, key, id, seq, parentID, topic, parent.Depth+1)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func putNewNode(txn *badger.Txn, key tree.Key, id string, seq int64, parentID, topic string, depth int) error {
	ts := time.Now().UTC()
	node := tree.Node{
		ID:        id,
		GuideID:   key.GuideID,
		Provider:  key.Provider,
		ParentID:  parentID,
		Topic:     topic,
		Status:    tree.StatusPending,
		Children:  []string{},
		Depth:     depth,
		Seq:       seq,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	return setJSON(txn, nodeKey(key, id), &node)
}

func (s *Store) Transition(ctx context.Context, key tree.Key, nodeID string, from, to tree.Status, u tree.Update) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var node tree.Node
		err := getJSON(txn, nodeKey(key, nodeID), &node)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("node %s in %s: %w", nodeID, key, tree.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if node.Status != from {
			return fmt.Errorf("node %s is %s, not %s: %w", nodeID, node.Status, from, tree.ErrConflict)
		}
		node.Status = to
		if u.Payload != nil {
			node.Payload = u.Payload
		}
		if u.Error != "" {
			node.Error = u.Error
		}
		node.UpdatedAt = time.Now().UTC()
		return setJSON(txn, nodeKey(key, nodeID), &node)
	})
}

func (s *Store) AppendChild(ctx context.Context, key tree.Key, parentID, childID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var parent, child tree.Node
		err := getJSON(txn, nodeKey(key, parentID), &parent)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("parent %s in %s: %w", parentID, key, tree.ErrNotFound)
		}
		if err != nil {
			return err
		}
		err = getJSON(txn, nodeKey(key, childID), &child)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("child %s in %s: %w", childID, key, tree.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if child.ParentID != parentID {
			return fmt.Errorf("node %s is not a child of %s: %w", childID, parentID, tree.ErrNotFound)
		}
		if parent.HasChild(childID) {
			return nil
		}
		parent.Children = append(parent.Children, childID)
		parent.UpdatedAt = time.Now().UTC()
		return setJSON(txn, nodeKey(key, parentID), &parent)
	})
}

func (s *Store) GetNode(ctx context.Context, key tree.Key, nodeID string) (*tree.Node, error) {
	var node tree.Node
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, nodeKey(key, nodeID), &node)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("node %s in %s: %w", nodeID, key, tree.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := checkNode(&node); err != nil {
		return nil, err
	}
	return &node, nil
}

// checkNode rejects records with a status outside the vocabulary and
// normalizes the child list.
func checkNode(n *tree.Node) error {
	if !n.Status.Valid() {
		return fmt.Errorf("node %s has unknown status %q", n.ID, n.Status)
	}
	if n.Children == nil {
		n.Children = []string{}
	}
	return nil
}

func (s *Store) RootID(ctx context.Context, key tree.Key) (string, error) {
	var rec treeRecord
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, treeKey(key), &rec)
	})
	if errors.Is(err, badger.ErrKeyNotFound) || (err == nil && rec.RootID == "") {
		return "", fmt.Errorf("tree %s: %w", key, tree.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return rec.RootID, nil
}

func (s *Store) ListNodes(ctx context.Context, key tree.Key) ([]tree.Node, error) {
	var nodes []tree.Node
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, nodePrefix(key), func(_, val []byte) error {
			var n tree.Node
			if err := json.Unmarshal(val, &n); err != nil {
				return err
			}
			if err := checkNode(&n); err != nil {
				return err
			}
			nodes = append(nodes, n)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Seq < nodes[j].Seq })
	return nodes, nil
}

func (s *Store) AppendInteraction(ctx context.Context, rec *tree.Interaction) error {
	next, err := s.seq.Next()
	if err != nil {
		return classify(fmt.Errorf("allocating interaction id: %w", err))
	}
	stored := *rec
	stored.ID = int64(next) + 1
	stored.CreatedAt = time.Now().UTC()
	err = s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, interactionKey(stored.GuideID, stored.ID), &stored)
	})
	if err != nil {
		return err
	}
	rec.ID = stored.ID
	rec.CreatedAt = stored.CreatedAt
	return nil
}

func (s *Store) ListInteractions(ctx context.Context, guideID string) ([]tree.Interaction, error) {
	var out []tree.Interaction
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, interactionPrefix(guideID), func(_, val []byte) error {
			var rec tree.Interaction
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}
