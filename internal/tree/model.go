// Package tree holds the research tree model: guides, per-provider node
// trees, node lifecycle statuses and the storage contract every backend
// implements.
package tree

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle status of a single node's research.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInitializing Status = "initializing"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
)

func (s Status) String() string { return string(s) }

// Terminal reports whether the node's own research is finished.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CheckParent reports whether a node in status s may receive new children.
// Only completed nodes can; a node in error is never expanded.
func CheckParent(id string, s Status) error {
	switch s {
	case StatusCompleted:
		return nil
	case StatusError:
		return fmt.Errorf("parent %s: %w", id, ErrParentFailed)
	default:
		return fmt.Errorf("parent %s is %s: %w", id, s, ErrParentBusy)
	}
}

// Valid reports whether s is part of the status vocabulary.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInitializing, StatusInProgress, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Stage is a guide's macro pipeline stage.
type Stage string

const (
	StageResearch    Stage = "research"
	StageOutline     Stage = "outline"
	StageDraft       Stage = "draft"
	StageEdit        Stage = "edit"
	StageFinalReview Stage = "final_review"
	StageComplete    Stage = "complete"
)

// Stages lists the macro stages in pipeline order.
var Stages = []Stage{StageResearch, StageOutline, StageDraft, StageEdit, StageFinalReview, StageComplete}

func (s Stage) String() string { return string(s) }

// Next returns the stage that follows s. It fails with ErrFinalStage for the
// last stage and with ErrInvalidStage for unknown values.
func (s Stage) Next() (Stage, error) {
	for i, st := range Stages {
		if st != s {
			continue
		}
		if i == len(Stages)-1 {
			return "", ErrFinalStage
		}
		return Stages[i+1], nil
	}
	return "", ErrInvalidStage
}

// ParseStage converts a string into a known Stage.
func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", ErrInvalidStage
}

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict: concurrent writer won")
	ErrParentNotFound    = errors.New("parent node not found")
	ErrParentBusy        = errors.New("parent node has research in flight")
	ErrParentFailed      = errors.New("parent node ended in error")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidStage      = errors.New("invalid stage")
	ErrFinalStage        = errors.New("guide is already in its final stage")
	ErrLiveRoot          = errors.New("tree already has a live root")
)

// Key identifies one provider's tree inside a guide. Node identifiers are
// only unique within a Key.
type Key struct {
	GuideID  string `json:"guide_id"`
	Provider string `json:"provider"`
}

func (k Key) String() string { return k.GuideID + "/" + k.Provider }

// Node is a single unit of research.
type Node struct {
	ID        string    `json:"id"`
	GuideID   string    `json:"guide_id"`
	Provider  string    `json:"provider"`
	ParentID  string    `json:"parent_id,omitempty"`
	Topic     string    `json:"topic"`
	Status    Status    `json:"status"`
	Payload   *Payload  `json:"payload,omitempty"`
	Children  []string  `json:"children"`
	Depth     int       `json:"depth"`
	Seq       int64     `json:"seq"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the tree the node belongs to.
func (n *Node) Key() Key { return Key{GuideID: n.GuideID, Provider: n.Provider} }

// IsRoot reports whether the node has no parent.
func (n *Node) IsRoot() bool { return n.ParentID == "" }

// HasChild reports whether childID is already linked under n.
func (n *Node) HasChild(childID string) bool {
	for _, c := range n.Children {
		if c == childID {
			return true
		}
	}
	return false
}

// Guide owns one tree per provider.
type Guide struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Stage     Stage             `json:"stage"`
	Providers []string          `json:"providers"`
	Roots     map[string]string `json:"roots"`
	History   []StageChange     `json:"history,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// StageChange records one approval.
type StageChange struct {
	From Stage     `json:"from"`
	To   Stage     `json:"to"`
	At   time.Time `json:"at"`
}

// Interaction is one append-only record of a provider call (or user
// feedback) kept for cost accounting and audit.
type Interaction struct {
	ID        int64     `json:"id"`
	GuideID   string    `json:"guide_id"`
	Provider  string    `json:"provider"`
	NodeID    string    `json:"node_id,omitempty"`
	Operation string    `json:"operation"`
	Topic     string    `json:"topic"`
	Response  string    `json:"response,omitempty"`
	Tokens    int       `json:"tokens"`
	CostUSD   float64   `json:"cost_usd"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Update carries the optional data written together with a status change.
type Update struct {
	Payload *Payload
	Error   string
}
