package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/TobiSchelling/AICouncil/internal/tree"
	"github.com/TobiSchelling/AICouncil/internal/tree/treetest"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStoreConformance(t *testing.T) {
	treetest.Run(t, func(t *testing.T) tree.Store {
		db, err := Open(filepath.Join(t.TempDir(), "conformance.db"), nil)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		return db
	})
}

func TestTreeSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "reopen.db")

	db, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	treetest.NewGuide(t, db, "g1", "grok")
	key := tree.Key{GuideID: "g1", Provider: "grok"}
	root, err := db.CreateRoot(ctx, key, "renewable energy policy")
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}
	treetest.Complete(t, db, key, root, &tree.Payload{Summary: "policy"})
	child, err := db.CreateChild(ctx, key, root, "battery storage costs")
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}
	if err := db.AppendChild(ctx, key, root, child); err != nil {
		t.Fatalf("AppendChild: %v", err)
	}
	db.Close()

	db, err = Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	nodes, err := db.ListNodes(ctx, key)
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(nodes))
	}
	if len(nodes[0].Children) != 1 || nodes[0].Children[0] != child {
		t.Errorf("expected root children [%s], got %v", child, nodes[0].Children)
	}
	if nodes[0].Payload == nil || nodes[0].Payload.Summary != "policy" {
		t.Errorf("payload not persisted: %+v", nodes[0].Payload)
	}

	// Sequence allocation continues after reopen.
	next, err := db.CreateChild(ctx, key, root, "grid interconnects")
	if err != nil {
		t.Fatalf("CreateChild after reopen: %v", err)
	}
	if next != "node-3" {
		t.Errorf("expected node-3, got %s", next)
	}
}

func TestAppendChildRejectsForeignChild(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	treetest.NewGuide(t, db, "g1", "grok")
	key := tree.Key{GuideID: "g1", Provider: "grok"}

	root, err := db.CreateRoot(ctx, key, "renewable energy policy")
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}
	treetest.Complete(t, db, key, root, nil)
	a, _ := db.CreateChild(ctx, key, root, "battery storage costs")
	treetest.Complete(t, db, key, a, nil)
	grandchild, err := db.CreateChild(ctx, key, a, "lithium supply")
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}

	if err := db.AppendChild(ctx, key, root, grandchild); err == nil {
		t.Fatal("expected error linking a grandchild under the root")
	}

	node, err := db.GetNode(ctx, key, grandchild)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if node.Depth != 2 {
		t.Errorf("expected depth 2, got %d", node.Depth)
	}
}

func TestStageHistoryOrder(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	treetest.NewGuide(t, db, "g1", "grok")

	steps := []tree.Stage{tree.StageResearch, tree.StageOutline, tree.StageDraft}
	for i := 0; i+1 < len(steps); i++ {
		if err := db.AdvanceStage(ctx, "g1", steps[i], steps[i+1]); err != nil {
			t.Fatalf("AdvanceStage %s: %v", steps[i], err)
		}
	}

	g, err := db.GetGuide(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGuide: %v", err)
	}
	if g.Stage != tree.StageDraft {
		t.Errorf("expected stage draft, got %s", g.Stage)
	}
	if len(g.History) != 2 || g.History[1].From != tree.StageOutline {
		t.Errorf("unexpected history: %+v", g.History)
	}
}

func TestCorruptStatusIsRejected(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "corrupt.db")
	db, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	treetest.NewGuide(t, db, "g1", "grok")
	key := tree.Key{GuideID: "g1", Provider: "grok"}
	root, err := db.CreateRoot(ctx, key, "renewable energy policy")
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}

	// A single raw connection so the pragma applies to the update.
	raw, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	defer raw.Close()
	raw.SetMaxOpenConns(1)
	if _, err := raw.Exec("PRAGMA ignore_check_constraints = ON"); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if _, err := raw.Exec("UPDATE nodes SET status = 'done' WHERE id = ?", root); err != nil {
		t.Fatalf("corrupting row: %v", err)
	}

	_, err = db.GetNode(ctx, key, root)
	if err == nil || !strings.Contains(err.Error(), `unknown status "done"`) {
		t.Errorf("expected unknown status error, got %v", err)
	}
	if _, err := db.ListNodes(ctx, key); err == nil {
		t.Error("expected ListNodes to reject the corrupt row")
	}
}
