package services

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"

	"github.com/begmaroman/go-dag"
	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/domain"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
	"github.com/google/uuid"
)

// maxAncestry bounds parent chain walks.
const maxAncestry = 1024

// taskVertex adapts a task to the graph vertex contract.
type taskVertex struct {
	task *domain.Task
}

func (v taskVertex) ID() string {
	return v.task.ID.String()
}

// Hash keys the vertex by task identity. The default hash encodes the vertex
// as JSON, which collapses every taskVertex to the same value.
func (v taskVertex) Hash() (dag.VHash, error) {
	return sha256.Sum256(v.task.ID[:]), nil
}

// DependencySet is the resolved predecessor set of one task. Edges point from
// predecessor to dependent.
type DependencySet struct {
	Type  domain.DependencyType
	graph *dag.DAG[taskVertex]
	task  *domain.Task
}

// Edges returns the records to persist for the task.
func (s *DependencySet) Edges() []domain.TaskDependency {
	preds := s.predecessors()
	if len(preds) == 0 {
		return nil
	}
	edges := make([]domain.TaskDependency, 0, len(preds))
	for _, pred := range preds {
		edges = append(edges, domain.TaskDependency{TaskID: s.task.ID, DependsOnID: pred.ID})
	}
	return edges
}

// predecessors loads the parent vertices of the task, ordered by id.
func (s *DependencySet) predecessors() []*domain.Task {
	if s == nil {
		return nil
	}
	parents, err := s.graph.GetParents(s.task.ID.String())
	if err != nil {
		return nil
	}
	out := make([]*domain.Task, 0, len(parents))
	for id := range parents {
		v, err := s.graph.GetVertex(id)
		if err != nil {
			continue
		}
		out = append(out, v.task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

type DependencyGraph struct {
	repo   ports.TaskRepository
	logger *logger.Logger
}

func NewDependencyGraph(repo ports.TaskRepository, log *logger.Logger) *DependencyGraph {
	return &DependencyGraph{repo: repo, logger: log}
}

// Resolve checks that every predecessor exists and fixes the policy. It
// returns nil when ids is empty.
func (g *DependencyGraph) Resolve(ctx context.Context, task *domain.Task, ids []uuid.UUID, policy string) (*DependencySet, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	depType := domain.DependencyAfterAny
	if policy != "" {
		depType = domain.DependencyType(policy)
		if !depType.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrTaskInvalidDepType, policy)
		}
	}

	d := dag.NewDAG[taskVertex]()
	if _, err := d.AddVertex(taskVertex{task: task}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTaskInvalidDep, err)
	}
	for _, id := range ids {
		if id == task.ID {
			return nil, fmt.Errorf("%w: task cannot depend on itself", ErrTaskInvalidDep)
		}
		if _, err := d.GetVertex(id.String()); err == nil {
			continue
		}
		pred, err := g.repo.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, ports.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s does not exist", ErrTaskInvalidDep, id)
			}
			return nil, err
		}
		if _, err := d.AddVertex(taskVertex{task: pred}); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTaskInvalidDep, err)
		}
		if err := d.AddEdge(id.String(), task.ID.String()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTaskInvalidDep, err)
		}
	}
	return &DependencySet{Type: depType, graph: d, task: task}, nil
}

// PredecessorHandles returns the DRM handles of the direct predecessors.
// Predecessors without a handle are skipped and submission goes ahead with
// the remaining ones.
func (g *DependencyGraph) PredecessorHandles(set *DependencySet) []string {
	var handles []string
	for _, pred := range set.predecessors() {
		if !pred.HasHandle() {
			g.logger.Warnw("task_dependency_dropped",
				"task", set.task.ID, "dependency", pred.ID, "status", pred.Status)
			continue
		}
		handles = append(handles, *pred.DRMJobID)
	}
	return handles
}

// Root walks the parent chain up to the oldest ancestor.
func (g *DependencyGraph) Root(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	cur := task
	for i := 0; cur.ParentID != nil; i++ {
		if i >= maxAncestry {
			return nil, fmt.Errorf("%w: ancestry too deep", ErrTaskInvalidParent)
		}
		parent, err := g.repo.GetByID(ctx, *cur.ParentID)
		if err != nil {
			if errors.Is(err, ports.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrTaskInvalidParent, *cur.ParentID)
			}
			return nil, err
		}
		cur = parent
	}
	return cur, nil
}

// Descendants lists every task created under id through parent links,
// breadth first.
func (g *DependencyGraph) Descendants(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	d := dag.NewDAG[taskVertex]()
	if _, err := d.AddVertex(taskVertex{task: &domain.Task{ID: id}}); err != nil {
		return nil, err
	}

	var out []uuid.UUID
	queue := []uuid.UUID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := g.repo.ListChildren(ctx, cur)
		if err != nil {
			return nil, err
		}
		for i := range children {
			child := &children[i]
			if _, err := d.AddVertex(taskVertex{task: child}); err != nil {
				g.logger.Warnw("task_descendant_skipped", "task", child.ID, "error", err)
				continue
			}
			if err := d.AddEdge(cur.String(), child.ID.String()); err != nil {
				g.logger.Warnw("task_descendant_skipped", "task", child.ID, "error", err)
				continue
			}
			out = append(out, child.ID)
			queue = append(queue, child.ID)
		}
	}
	return out, nil
}
