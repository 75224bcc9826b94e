package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/errors"
	"github.com/core-tools/hsu-monitor/pkg/logring"
	"github.com/core-tools/hsu-monitor/pkg/model"
	"github.com/core-tools/hsu-monitor/pkg/store"

	"github.com/google/uuid"
)

type Options struct {
	// WatchBuffer is the per-subscriber change channel capacity
	WatchBuffer int

	// OnDroppedChange is called when a slow subscriber misses a change
	OnDroppedChange func(store.ProcessChange)

	// Now is the clock used for record timestamps
	Now func() time.Time
}

// MemStore is an in-process store with change notifications.
// Records are copied on the way in and out.
type MemStore struct {
	mu        sync.RWMutex
	hosts     map[string]model.Host
	hostUUIDs map[string]string
	processes map[string]model.ManagedProcess
	samples   []model.StatSample
	setting   *model.Setting
	users     map[string]model.User

	broadcaster *store.Broadcaster
	now         func() time.Time
}

var (
	_ store.Store          = (*MemStore)(nil)
	_ store.ProcessWatcher = (*MemStore)(nil)
)

func New(options Options) *MemStore {
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &MemStore{
		hosts:       make(map[string]model.Host),
		hostUUIDs:   make(map[string]string),
		processes:   make(map[string]model.ManagedProcess),
		users:       make(map[string]model.User),
		broadcaster: store.NewBroadcaster(options.WatchBuffer, options.OnDroppedChange),
		now:         now,
	}
}

func (s *MemStore) UpsertHost(ctx context.Context, hostUUID, name string, heartbeat time.Time) (model.Host, error) {
	if hostUUID == "" {
		return model.Host{}, errors.NewValidationError("host uuid is required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.hostUUIDs[hostUUID]; ok {
		host := s.hosts[id]
		host.Name = name
		if heartbeat.After(host.Heartbeat) {
			host.Heartbeat = heartbeat
		}
		s.hosts[id] = host
		return host, nil
	}

	host := model.Host{
		ID:        uuid.NewString(),
		Name:      name,
		UUID:      hostUUID,
		Heartbeat: heartbeat,
		CreatedAt: s.now(),
	}
	s.hosts[host.ID] = host
	s.hostUUIDs[hostUUID] = host.ID
	return host, nil
}

func (s *MemStore) GetHost(ctx context.Context, id string) (model.Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	host, ok := s.hosts[id]
	if !ok {
		return model.Host{}, errors.NewNotFoundError("host not found", nil).WithContext("host_id", id)
	}
	return host, nil
}

func (s *MemStore) ListHosts(ctx context.Context) ([]model.Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hosts := make([]model.Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name || (hosts[i].Name == hosts[j].Name && hosts[i].ID < hosts[j].ID) })
	return hosts, nil
}

func (s *MemStore) UpsertProcess(ctx context.Context, hostID string, update model.ProcessUpdate, logs []model.LogEntry, logLimit int) (model.ManagedProcess, error) {
	if hostID == "" {
		return model.ManagedProcess{}, errors.NewValidationError("host id is required", nil)
	}

	s.mu.Lock()
	if _, ok := s.hosts[hostID]; !ok {
		s.mu.Unlock()
		return model.ManagedProcess{}, errors.NewNotFoundError("host not found", nil).WithContext("host_id", hostID)
	}

	var proc model.ManagedProcess
	found := false
	for _, p := range s.processes {
		if p.HostID == hostID && p.ProcessManagerID == update.ProcessManagerID {
			proc = p
			found = true
			break
		}
	}
	if !found {
		proc = model.ManagedProcess{
			ID:               uuid.NewString(),
			HostID:           hostID,
			ProcessManagerID: update.ProcessManagerID,
		}
	}

	proc.Name = update.Name
	proc.Status = update.Status
	proc.Kind = update.Kind
	proc.Versioning = copyVersioning(update.Versioning)
	proc.Logs = logring.Merge(logLimit, proc.Logs, logs)
	proc.UpdatedAt = s.now()
	s.processes[proc.ID] = proc
	out := copyProcess(proc)
	s.mu.Unlock()

	s.broadcaster.Publish(hostID, store.ProcessChange{ProcessID: out.ID, Process: copyProcess(out)})
	return out, nil
}

func (s *MemStore) GetProcess(ctx context.Context, id string) (model.ManagedProcess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	proc, ok := s.processes[id]
	if !ok {
		return model.ManagedProcess{}, errors.NewNotFoundError("process not found", nil).WithContext("process_id", id)
	}
	return copyProcess(proc), nil
}

func (s *MemStore) ListProcesses(ctx context.Context, hostID string) ([]model.ManagedProcess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	procs := make([]model.ManagedProcess, 0, len(s.processes))
	for _, p := range s.processes {
		if hostID == "" || p.HostID == hostID {
			procs = append(procs, copyProcess(p))
		}
	}
	sortProcesses(procs)
	return procs, nil
}

func (s *MemStore) DeleteProcessesNotIn(ctx context.Context, hostID string, keep []int) (int, error) {
	keepSet := make(map[int]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}

	s.mu.Lock()
	var removed []string
	for id, p := range s.processes {
		if p.HostID != hostID {
			continue
		}
		if _, ok := keepSet[p.ProcessManagerID]; ok {
			continue
		}
		delete(s.processes, id)
		removed = append(removed, id)
	}
	s.mu.Unlock()

	for _, id := range removed {
		s.broadcaster.Publish(hostID, store.ProcessChange{ProcessID: id, Deleted: true})
	}
	return len(removed), nil
}

func (s *MemStore) IncrementControl(ctx context.Context, id string, action model.Action) (model.ManagedProcess, error) {
	return s.updateControl(id, action, func(v int64) int64 { return v + 1 })
}

func (s *MemStore) ResetControl(ctx context.Context, id string, action model.Action) error {
	_, err := s.updateControl(id, action, func(int64) int64 { return 0 })
	return err
}

func (s *MemStore) updateControl(id string, action model.Action, fn func(int64) int64) (model.ManagedProcess, error) {
	if _, ok := model.ParseAction(string(action)); !ok {
		return model.ManagedProcess{}, errors.NewValidationError("unknown control action", nil).WithContext("action", string(action))
	}

	s.mu.Lock()
	proc, ok := s.processes[id]
	if !ok {
		s.mu.Unlock()
		return model.ManagedProcess{}, errors.NewNotFoundError("process not found", nil).WithContext("process_id", id)
	}
	proc.Control.Set(action, fn(proc.Control.Get(action)))
	proc.UpdatedAt = s.now()
	s.processes[id] = proc
	out := copyProcess(proc)
	s.mu.Unlock()

	s.broadcaster.Publish(out.HostID, store.ProcessChange{ProcessID: out.ID, Process: copyProcess(out)})
	return out, nil
}

func (s *MemStore) AppendSamples(ctx context.Context, samples ...model.StatSample) error {
	for _, sample := range samples {
		if err := store.ValidateSample(sample); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sample := range samples {
		s.samples = append(s.samples, copySample(sample))
	}
	return nil
}

func (s *MemStore) RecentSamples(ctx context.Context, query store.SampleQuery) ([]model.StatSample, error) {
	if err := store.ValidateSampleQuery(query); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []model.StatSample
	for _, sample := range s.samples {
		if store.MatchSample(query, sample) {
			out = append(out, copySample(sample))
		}
	}
	s.mu.RUnlock()

	store.SortNewestFirst(out)
	return store.ApplyLimit(out, query.Limit), nil
}

func (s *MemStore) GetSetting(ctx context.Context) (model.Setting, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.setting == nil {
		return model.Setting{}, false, nil
	}
	return *s.setting, true, nil
}

func (s *MemStore) PutSetting(ctx context.Context, setting model.Setting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setting = &setting
	return nil
}

func (s *MemStore) GetUser(ctx context.Context, id string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return model.User{}, errors.NewNotFoundError("user not found", nil).WithContext("user_id", id)
	}
	return user, nil
}

func (s *MemStore) PutUser(ctx context.Context, user model.User) (model.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
	return user, nil
}

func (s *MemStore) ListUsers(ctx context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *MemStore) WatchProcesses(ctx context.Context, hostID string) (<-chan store.ProcessChange, error) {
	return s.broadcaster.Subscribe(ctx, hostID), nil
}

func (s *MemStore) Close() error {
	s.broadcaster.Close()
	return nil
}

func sortProcesses(procs []model.ManagedProcess) {
	sort.Slice(procs, func(i, j int) bool {
		if procs[i].HostID != procs[j].HostID {
			return procs[i].HostID < procs[j].HostID
		}
		return procs[i].ProcessManagerID < procs[j].ProcessManagerID
	})
}

func copyVersioning(v *model.Versioning) *model.Versioning {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyProcess(p model.ManagedProcess) model.ManagedProcess {
	p.Versioning = copyVersioning(p.Versioning)
	if p.Logs != nil {
		p.Logs = append([]model.LogEntry(nil), p.Logs...)
	}
	return p
}

func copySample(s model.StatSample) model.StatSample {
	if s.HeapUsed != nil {
		h := *s.HeapUsed
		s.HeapUsed = &h
	}
	return s
}
