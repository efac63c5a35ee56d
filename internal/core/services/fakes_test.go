package services

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/domain"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
	"github.com/google/uuid"
)

var testLogger = logger.NewNop()

// ==================== Tasks ====================

type fakeTaskRepo struct {
	mu      sync.Mutex
	order   []uuid.UUID
	tasks   map[uuid.UUID]*domain.Task
	params  map[uuid.UUID][]domain.TaskParameter
	deps    map[uuid.UUID][]domain.TaskDependency
	updates int
	now     func() time.Time
}

func newFakeTaskRepo() *fakeTaskRepo {
	return &fakeTaskRepo{
		tasks:  make(map[uuid.UUID]*domain.Task),
		params: make(map[uuid.UUID][]domain.TaskParameter),
		deps:   make(map[uuid.UUID][]domain.TaskDependency),
		now:    time.Now,
	}
}

// put stores a task directly, bypassing the service.
func (r *fakeTaskRepo) put(t *domain.Task) *domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	clone := *t
	if _, ok := r.tasks[t.ID]; !ok {
		r.order = append(r.order, t.ID)
	}
	r.tasks[t.ID] = &clone
	return t
}

func (r *fakeTaskRepo) stored(id uuid.UUID) *domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil
	}
	clone := *t
	return &clone
}

func (r *fakeTaskRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func (r *fakeTaskRepo) load(id uuid.UUID) (*domain.Task, bool) {
	t, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	clone := *t
	clone.Params = append([]domain.TaskParameter(nil), r.params[id]...)
	clone.Dependencies = append([]domain.TaskDependency(nil), r.deps[id]...)
	return &clone, true
}

func (r *fakeTaskRepo) Create(ctx context.Context, task *domain.Task) error {
	r.put(task)
	return nil
}

func (r *fakeTaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.load(id)
	if !ok {
		return nil, ports.ErrNotFound
	}
	return t, nil
}

func (r *fakeTaskRepo) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Task
	for _, id := range ids {
		if t, ok := r.load(id); ok {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (r *fakeTaskRepo) List(ctx context.Context, f ports.TaskFilter) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := make(map[uuid.UUID]bool, len(f.IDs))
	for _, id := range f.IDs {
		wanted[id] = true
	}
	var out []domain.Task
	for _, id := range r.order {
		t, ok := r.load(id)
		if !ok {
			continue
		}
		switch {
		case len(wanted) > 0 && !wanted[t.ID]:
			continue
		case f.UserID != nil && (t.UserID == nil || *t.UserID != *f.UserID):
			continue
		case f.Ownerless && t.UserID != nil:
			continue
		case f.RootsOnly && t.ParentID != nil:
			continue
		case !f.IncludeDeleted && t.Deleted:
			continue
		case f.ScriptName != "" && t.ScriptName != f.ScriptName:
			continue
		case f.Description != "" && !strings.Contains(t.Description, f.Description):
			continue
		}
		if len(f.Statuses) > 0 {
			match := false
			for _, s := range f.Statuses {
				match = match || t.Status == s
			}
			if !match {
				continue
			}
		}
		out = append(out, *t)
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []domain.Task{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *fakeTaskRepo) ListChildren(ctx context.Context, parentID uuid.UUID) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Task
	for _, id := range r.order {
		if t, ok := r.load(id); ok && t.ParentID != nil && *t.ParentID == parentID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (r *fakeTaskRepo) ListPending(ctx context.Context, limit int) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Task
	for _, id := range r.order {
		if t, ok := r.load(id); ok && !t.Deleted && t.HasHandle() && !t.Status.Terminal() {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (r *fakeTaskRepo) ListDeletedBefore(ctx context.Context, cutoff time.Time) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Task
	for _, id := range r.order {
		if t, ok := r.load(id); ok && t.Deleted && t.UpdatedAt.Before(cutoff) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (r *fakeTaskRepo) Update(ctx context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[task.ID]; !ok {
		return ports.ErrNotFound
	}
	task.UpdatedAt = r.now()
	clone := *task
	clone.Params = nil
	clone.Dependencies = nil
	r.tasks[task.ID] = &clone
	r.updates++
	return nil
}

func (r *fakeTaskRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	delete(r.params, id)
	delete(r.deps, id)
	return nil
}

func (r *fakeTaskRepo) AddParameters(ctx context.Context, params []domain.TaskParameter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range params {
		r.params[p.TaskID] = append(r.params[p.TaskID], p)
	}
	return nil
}

func (r *fakeTaskRepo) AddDependencies(ctx context.Context, deps []domain.TaskDependency) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range deps {
		r.deps[d.TaskID] = append(r.deps[d.TaskID], d)
	}
	return nil
}

// ==================== Scripts and users ====================

type fakeScriptRepo struct {
	scripts   map[string]*domain.Script
	templates map[string]*domain.DRMJobTemplate
	nextID    uint
}

func newFakeScriptRepo(scripts ...*domain.Script) *fakeScriptRepo {
	r := &fakeScriptRepo{
		scripts:   make(map[string]*domain.Script),
		templates: make(map[string]*domain.DRMJobTemplate),
	}
	for _, s := range scripts {
		_ = r.Save(context.Background(), s)
	}
	return r
}

func (r *fakeScriptRepo) GetByName(ctx context.Context, name string) (*domain.Script, error) {
	s, ok := r.scripts[name]
	if !ok {
		return nil, ports.ErrNotFound
	}
	clone := *s
	clone.Params = append([]domain.Parameter(nil), s.Params...)
	return &clone, nil
}

func (r *fakeScriptRepo) GetAll(ctx context.Context) ([]domain.Script, error) {
	var out []domain.Script
	for _, s := range r.scripts {
		out = append(out, *s)
	}
	return out, nil
}

func (r *fakeScriptRepo) Save(ctx context.Context, script *domain.Script) error {
	if script.ID == 0 {
		r.nextID++
		script.ID = r.nextID
	}
	for i := range script.Params {
		if script.Params[i].ID == 0 {
			r.nextID++
			script.Params[i].ID = r.nextID
			script.Params[i].ScriptID = script.ID
		}
	}
	r.scripts[script.Name] = script
	return nil
}

func (r *fakeScriptRepo) SaveJobTemplate(ctx context.Context, tmpl *domain.DRMJobTemplate) error {
	r.nextID++
	tmpl.ID = r.nextID
	r.templates[tmpl.Name] = tmpl
	return nil
}

func (r *fakeScriptRepo) GetJobTemplate(ctx context.Context, name string) (*domain.DRMJobTemplate, error) {
	t, ok := r.templates[name]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return t, nil
}

func (r *fakeScriptRepo) Delete(ctx context.Context, name string) error {
	if _, ok := r.scripts[name]; !ok {
		return ports.ErrNotFound
	}
	delete(r.scripts, name)
	return nil
}

type fakeUserRepo struct {
	users  map[string]*domain.User
	groups map[string]*domain.Group
	nextID uint
	err    error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{
		users:  make(map[string]*domain.User),
		groups: make(map[string]*domain.Group),
	}
}

func (r *fakeUserRepo) GetByIdentity(ctx context.Context, source, username string) (*domain.User, error) {
	if r.err != nil {
		return nil, r.err
	}
	u, ok := r.users[source+"/"+username]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return u, nil
}

func (r *fakeUserRepo) GetByID(ctx context.Context, id uint) (*domain.User, error) {
	for _, u := range r.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, ports.ErrNotFound
}

func (r *fakeUserRepo) Create(ctx context.Context, user *domain.User) error {
	r.nextID++
	user.ID = r.nextID
	r.users[user.Source+"/"+user.Username] = user
	return nil
}

func (r *fakeUserRepo) GetGroup(ctx context.Context, name string) (*domain.Group, error) {
	g, ok := r.groups[name]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return g, nil
}

func (r *fakeUserRepo) SaveGroup(ctx context.Context, group *domain.Group) error {
	if existing, ok := r.groups[group.Name]; ok {
		group.ID = existing.ID
	} else {
		r.nextID++
		group.ID = r.nextID
	}
	g := *group
	r.groups[group.Name] = &g
	return nil
}

// ==================== Timeline ====================

type fakeTimeline struct {
	mu     sync.Mutex
	events []domain.TimelineEvent
}

func (f *fakeTimeline) Create(ctx context.Context, event *domain.TimelineEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *event)
	return nil
}

func (f *fakeTimeline) GetByID(ctx context.Context, id uint) (*domain.TimelineEvent, error) {
	return nil, ports.ErrNotFound
}

func (f *fakeTimeline) GetByTask(ctx context.Context, taskID uuid.UUID, limit int) ([]domain.TimelineEvent, error) {
	return nil, nil
}

func (f *fakeTimeline) GetAll(ctx context.Context, limit int) ([]domain.TimelineEvent, error) {
	return nil, nil
}

func (f *fakeTimeline) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.events[:0]
	for _, e := range f.events {
		if !e.CreatedAt.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(f.events) - len(kept)
	f.events = kept
	return removed, nil
}

func (f *fakeTimeline) ofType(eventType string) []domain.TimelineEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.TimelineEvent
	for _, e := range f.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// ==================== DRM ====================

type fakeDRM struct {
	mu         sync.Mutex
	submits    []ports.SubmitRequest
	nextHandle int
	submitErr  error
	emptyReply bool
	statuses   map[string]domain.TaskStatus
	queries    int
	terminated []string
	waitInfo   domain.JobInfo
	waitErr    error
}

func newFakeDRM() *fakeDRM {
	return &fakeDRM{nextHandle: 100, statuses: make(map[string]domain.TaskStatus)}
}

func (d *fakeDRM) Submit(ctx context.Context, req ports.SubmitRequest) (string, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submits = append(d.submits, req)
	if d.submitErr != nil {
		return "", "", d.submitErr
	}
	if d.emptyReply {
		return "", "", nil
	}
	d.nextHandle++
	handle := strconv.Itoa(d.nextHandle)
	return handle, req.TaskName, nil
}

func (d *fakeDRM) QueryStatus(ctx context.Context, handle string) (domain.TaskStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries++
	s, ok := d.statuses[handle]
	if !ok {
		return "", errors.New("unknown job")
	}
	return s, nil
}

func (d *fakeDRM) Terminate(ctx context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.terminated = append(d.terminated, handle)
	return nil
}

func (d *fakeDRM) Wait(ctx context.Context, handle string, timeout time.Duration) (domain.JobInfo, error) {
	if d.waitErr != nil {
		return domain.DefaultJobInfo(), d.waitErr
	}
	return d.waitInfo, nil
}

func (d *fakeDRM) lastSubmit() ports.SubmitRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submits[len(d.submits)-1]
}

// ==================== Publisher ====================

type published struct {
	exchange string
	route    string
	body     []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	err      error
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, route string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, published{exchange: exchange, route: route, body: body})
	return nil
}

func (p *fakePublisher) Close() error {
	return nil
}

// ==================== Helpers ====================

func upload(name, content string) ports.Upload {
	return ports.Upload{
		Filename: name,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}

func adminCaller() ports.Caller {
	return ports.Caller{User: &domain.User{ID: 99, Username: "root", Group: &domain.Group{Name: "staff", HasFullAccess: true}}}
}

func userCaller(id uint, group string) ports.Caller {
	u := &domain.User{ID: id, Username: "user" + strconv.Itoa(int(id))}
	if group != "" {
		u.Group = &domain.Group{Name: group}
	}
	return ports.Caller{User: u, IP: "10.0.0.1"}
}
