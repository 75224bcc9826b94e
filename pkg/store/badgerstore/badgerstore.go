// Package badgerstore is the embedded persistent store backed by BadgerDB.
// Records are CBOR encoded; see keys.go for the key layout.
package badgerstore

import (
	"context"
	stdErrors "errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/errors"
	"github.com/core-tools/hsu-monitor/pkg/logging"
	"github.com/core-tools/hsu-monitor/pkg/logring"
	"github.com/core-tools/hsu-monitor/pkg/model"
	"github.com/core-tools/hsu-monitor/pkg/store"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const maxConflictRetries = 5

type Config struct {
	// Path is the database directory, ignored when InMemory is set
	Path string

	// InMemory keeps everything in RAM, for tests and throwaway agents
	InMemory bool

	SyncWrites bool

	// GCInterval is how often value log GC runs, zero disables it
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a value log rewrite
	GCDiscardRatio float64

	// WatchBuffer is the per-subscriber change channel capacity
	WatchBuffer int

	// OnDroppedChange is called when a slow subscriber misses a change
	OnDroppedChange func(store.ProcessChange)
}

func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type BadgerStore struct {
	db          *badger.DB
	broadcaster *store.Broadcaster
	logger      logging.Logger
	now         func() time.Time

	gcStop chan struct{}
	gcDone chan struct{}
}

var (
	_ store.Store          = (*BadgerStore)(nil)
	_ store.ProcessWatcher = (*BadgerStore)(nil)
)

func Open(config Config, logger logging.Logger) (*BadgerStore, error) {
	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.Path == "" {
			return nil, errors.NewValidationError("store path is required for a persistent database", nil)
		}
		if err := os.MkdirAll(config.Path, 0750); err != nil {
			return nil, errors.NewIOError("failed to create database directory", err).WithContext("path", config.Path)
		}
		opts = badger.DefaultOptions(config.Path)
	}
	opts = opts.WithSyncWrites(config.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.NewIOError("failed to open badger database", err).WithContext("path", config.Path)
	}

	s := &BadgerStore{
		db:          db,
		broadcaster: store.NewBroadcaster(config.WatchBuffer, config.OnDroppedChange),
		logger:      logger,
		now:         time.Now,
	}

	if config.GCInterval > 0 && !config.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(config.GCInterval, config.GCDiscardRatio)
	}

	logger.Infof("Badger store opened, path: %s, in_memory: %t", config.Path, config.InMemory)
	return s, nil
}

func (s *BadgerStore) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
	}
	s.broadcaster.Close()
	if err := s.db.Close(); err != nil {
		return errors.NewIOError("failed to close badger database", err)
	}
	return nil
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !stdErrors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warnf("Badger value log GC failed: %v", err)
			}
		}
	}
}

// update runs fn in a read-write transaction, retrying on write conflicts
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.NewCancelledError("store update cancelled", ctxErr)
		}
		err = s.db.Update(fn)
		if !stdErrors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return errors.NewConflictError("store update kept conflicting", err)
}

func (s *BadgerStore) UpsertHost(ctx context.Context, hostUUID, name string, heartbeat time.Time) (model.Host, error) {
	if hostUUID == "" {
		return model.Host{}, errors.NewValidationError("host uuid is required", nil)
	}

	var host model.Host
	err := s.update(ctx, func(txn *badger.Txn) error {
		id, found, err := getString(txn, hostUUIDKey(hostUUID))
		if err != nil {
			return err
		}
		if found {
			if _, err := getRecord(txn, hostKey(id), &host); err != nil {
				return err
			}
			host.Name = name
			if heartbeat.After(host.Heartbeat) {
				host.Heartbeat = heartbeat
			}
		} else {
			host = model.Host{
				ID:        uuid.NewString(),
				Name:      name,
				UUID:      hostUUID,
				Heartbeat: heartbeat,
				CreatedAt: s.now(),
			}
			if err := txn.Set(hostUUIDKey(hostUUID), []byte(host.ID)); err != nil {
				return err
			}
		}
		return setRecord(txn, hostKey(host.ID), host)
	})
	if err != nil {
		return model.Host{}, wrapErr("failed to upsert host", err).WithContext("host_uuid", hostUUID)
	}
	return host, nil
}

func (s *BadgerStore) GetHost(ctx context.Context, id string) (model.Host, error) {
	var host model.Host
	err := s.db.View(func(txn *badger.Txn) error {
		found, err := getRecord(txn, hostKey(id), &host)
		if err != nil {
			return err
		}
		if !found {
			return errors.NewNotFoundError("host not found", nil)
		}
		return nil
	})
	if err != nil {
		return model.Host{}, wrapErr("failed to get host", err).WithContext("host_id", id)
	}
	return host, nil
}

func (s *BadgerStore) ListHosts(ctx context.Context) ([]model.Host, error) {
	var hosts []model.Host
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(prefixHost), func(value []byte) error {
			var h model.Host
			if err := unmarshal(value, &h); err != nil {
				return err
			}
			hosts = append(hosts, h)
			return nil
		})
	})
	if err != nil {
		return nil, wrapErr("failed to list hosts", err)
	}
	sort.Slice(hosts, func(i, j int) bool {
		return hosts[i].Name < hosts[j].Name || (hosts[i].Name == hosts[j].Name && hosts[i].ID < hosts[j].ID)
	})
	return hosts, nil
}

func (s *BadgerStore) UpsertProcess(ctx context.Context, hostID string, update model.ProcessUpdate, logs []model.LogEntry, logLimit int) (model.ManagedProcess, error) {
	if hostID == "" {
		return model.ManagedProcess{}, errors.NewValidationError("host id is required", nil)
	}

	var proc model.ManagedProcess
	err := s.update(ctx, func(txn *badger.Txn) error {
		var host model.Host
		found, err := getRecord(txn, hostKey(hostID), &host)
		if err != nil {
			return err
		}
		if !found {
			return errors.NewNotFoundError("host not found", nil)
		}

		proc = model.ManagedProcess{}
		id, found, err := getString(txn, processIndexKey(hostID, update.ProcessManagerID))
		if err != nil {
			return err
		}
		if found {
			if _, err := getRecord(txn, processKey(hostID, id), &proc); err != nil {
				return err
			}
		} else {
			proc = model.ManagedProcess{
				ID:               uuid.NewString(),
				HostID:           hostID,
				ProcessManagerID: update.ProcessManagerID,
			}
			if err := txn.Set(processIndexKey(hostID, proc.ProcessManagerID), []byte(proc.ID)); err != nil {
				return err
			}
			if err := txn.Set(processIDKey(proc.ID), []byte(hostID)); err != nil {
				return err
			}
		}

		proc.Name = update.Name
		proc.Status = update.Status
		proc.Kind = update.Kind
		proc.Versioning = update.Versioning
		proc.Logs = logring.Merge(logLimit, proc.Logs, logs)
		proc.UpdatedAt = s.now()
		return setRecord(txn, processKey(hostID, proc.ID), proc)
	})
	if err != nil {
		return model.ManagedProcess{}, wrapErr("failed to upsert process", err).
			WithContext("host_id", hostID).
			WithContext("process_manager_id", fmt.Sprint(update.ProcessManagerID))
	}

	s.broadcaster.Publish(hostID, store.ProcessChange{ProcessID: proc.ID, Process: proc})
	return proc, nil
}

func (s *BadgerStore) GetProcess(ctx context.Context, id string) (model.ManagedProcess, error) {
	var proc model.ManagedProcess
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		proc, err = getProcess(txn, id)
		return err
	})
	if err != nil {
		return model.ManagedProcess{}, wrapErr("failed to get process", err).WithContext("process_id", id)
	}
	return proc, nil
}

func getProcess(txn *badger.Txn, id string) (model.ManagedProcess, error) {
	var proc model.ManagedProcess
	hostID, found, err := getString(txn, processIDKey(id))
	if err != nil {
		return proc, err
	}
	if found {
		found, err = getRecord(txn, processKey(hostID, id), &proc)
		if err != nil {
			return proc, err
		}
	}
	if !found {
		return proc, errors.NewNotFoundError("process not found", nil)
	}
	return proc, nil
}

func (s *BadgerStore) ListProcesses(ctx context.Context, hostID string) ([]model.ManagedProcess, error) {
	var procs []model.ManagedProcess
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, processPrefix(hostID), func(value []byte) error {
			var p model.ManagedProcess
			if err := unmarshal(value, &p); err != nil {
				return err
			}
			procs = append(procs, p)
			return nil
		})
	})
	if err != nil {
		return nil, wrapErr("failed to list processes", err).WithContext("host_id", hostID)
	}
	sort.Slice(procs, func(i, j int) bool {
		if procs[i].HostID != procs[j].HostID {
			return procs[i].HostID < procs[j].HostID
		}
		return procs[i].ProcessManagerID < procs[j].ProcessManagerID
	})
	return procs, nil
}

func (s *BadgerStore) DeleteProcessesNotIn(ctx context.Context, hostID string, keep []int) (int, error) {
	if hostID == "" {
		return 0, errors.NewValidationError("host id is required", nil)
	}
	keepSet := make(map[int]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}

	var removed []string
	err := s.update(ctx, func(txn *badger.Txn) error {
		removed = removed[:0]
		var doomed []model.ManagedProcess
		err := scanPrefix(txn, processPrefix(hostID), func(value []byte) error {
			var p model.ManagedProcess
			if err := unmarshal(value, &p); err != nil {
				return err
			}
			if _, ok := keepSet[p.ProcessManagerID]; !ok {
				doomed = append(doomed, p)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, p := range doomed {
			for _, key := range [][]byte{processKey(hostID, p.ID), processIDKey(p.ID), processIndexKey(hostID, p.ProcessManagerID)} {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			removed = append(removed, p.ID)
		}
		return nil
	})
	if err != nil {
		return 0, wrapErr("failed to delete absent processes", err).WithContext("host_id", hostID)
	}

	for _, id := range removed {
		s.broadcaster.Publish(hostID, store.ProcessChange{ProcessID: id, Deleted: true})
	}
	return len(removed), nil
}

func (s *BadgerStore) IncrementControl(ctx context.Context, id string, action model.Action) (model.ManagedProcess, error) {
	return s.updateControl(ctx, id, action, func(v int64) int64 { return v + 1 })
}

func (s *BadgerStore) ResetControl(ctx context.Context, id string, action model.Action) error {
	_, err := s.updateControl(ctx, id, action, func(int64) int64 { return 0 })
	return err
}

func (s *BadgerStore) updateControl(ctx context.Context, id string, action model.Action, fn func(int64) int64) (model.ManagedProcess, error) {
	if _, ok := model.ParseAction(string(action)); !ok {
		return model.ManagedProcess{}, errors.NewValidationError("unknown control action", nil).WithContext("action", string(action))
	}

	var proc model.ManagedProcess
	err := s.update(ctx, func(txn *badger.Txn) error {
		var err error
		proc, err = getProcess(txn, id)
		if err != nil {
			return err
		}
		proc.Control.Set(action, fn(proc.Control.Get(action)))
		proc.UpdatedAt = s.now()
		return setRecord(txn, processKey(proc.HostID, proc.ID), proc)
	})
	if err != nil {
		return model.ManagedProcess{}, wrapErr("failed to update control counter", err).
			WithContext("process_id", id).
			WithContext("action", string(action))
	}

	s.broadcaster.Publish(proc.HostID, store.ProcessChange{ProcessID: proc.ID, Process: proc})
	return proc, nil
}

func (s *BadgerStore) AppendSamples(ctx context.Context, samples ...model.StatSample) error {
	for _, sample := range samples {
		if err := store.ValidateSample(sample); err != nil {
			return err
		}
	}
	if len(samples) == 0 {
		return nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, sample := range samples {
		data, err := marshal(sample)
		if err != nil {
			return errors.NewInternalError("failed to encode sample", err).WithContext("sample_id", sample.ID)
		}
		if err := wb.Set(statKey(sample), data); err != nil {
			return errors.NewIOError("failed to write sample", err).WithContext("sample_id", sample.ID)
		}
	}
	if err := wb.Flush(); err != nil {
		return errors.NewIOError("failed to flush samples", err)
	}
	return nil
}

func statKey(sample model.StatSample) []byte {
	if sample.Source.IsHostLevel() {
		return sampleKey(prefixStatHost, sample.Source.HostID, sample.Timestamp, sample.ID)
	}
	return sampleKey(prefixStatProc, sample.Source.ProcessID, sample.Timestamp, sample.ID)
}

func (s *BadgerStore) RecentSamples(ctx context.Context, query store.SampleQuery) ([]model.StatSample, error) {
	if err := store.ValidateSampleQuery(query); err != nil {
		return nil, err
	}

	prefix, scopeIDs := prefixStatProc, query.ProcessIDs
	if len(query.HostIDs) > 0 {
		prefix, scopeIDs = prefixStatHost, query.HostIDs
	}

	var out []model.StatSample
	err := s.db.View(func(txn *badger.Txn) error {
		for _, scopeID := range dedupe(scopeIDs) {
			samples, err := recentInScope(txn, sampleScopePrefix(prefix, scopeID), query)
			if err != nil {
				return err
			}
			out = append(out, samples...)
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("failed to read samples", err)
	}

	store.SortNewestFirst(out)
	return store.ApplyLimit(out, query.Limit), nil
}

// recentInScope walks one scope prefix newest first, stopping at Since or Limit
func recentInScope(txn *badger.Txn, prefix []byte, query store.SampleQuery) ([]model.StatSample, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = true
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := append(append([]byte(nil), prefix...), 0xFF)
	var out []model.StatSample
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		var sample model.StatSample
		err := it.Item().Value(func(val []byte) error {
			return unmarshal(val, &sample)
		})
		if err != nil {
			return nil, err
		}
		if !store.MatchSample(query, sample) {
			if !query.Since.IsZero() && sample.Timestamp.Before(query.Since) {
				break
			}
			continue
		}
		out = append(out, sample)
		if query.Limit > 0 && len(out) >= query.Limit {
			break
		}
	}
	return out, nil
}

func (s *BadgerStore) GetSetting(ctx context.Context) (model.Setting, bool, error) {
	var setting model.Setting
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getRecord(txn, []byte(keySetting), &setting)
		return err
	})
	if err != nil {
		return model.Setting{}, false, wrapErr("failed to read setting", err)
	}
	return setting, found, nil
}

func (s *BadgerStore) PutSetting(ctx context.Context, setting model.Setting) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		return setRecord(txn, []byte(keySetting), setting)
	})
	if err != nil {
		return wrapErr("failed to write setting", err)
	}
	return nil
}

func (s *BadgerStore) GetUser(ctx context.Context, id string) (model.User, error) {
	var user model.User
	err := s.db.View(func(txn *badger.Txn) error {
		found, err := getRecord(txn, userKey(id), &user)
		if err != nil {
			return err
		}
		if !found {
			return errors.NewNotFoundError("user not found", nil)
		}
		return nil
	})
	if err != nil {
		return model.User{}, wrapErr("failed to get user", err).WithContext("user_id", id)
	}
	return user, nil
}

func (s *BadgerStore) PutUser(ctx context.Context, user model.User) (model.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	err := s.update(ctx, func(txn *badger.Txn) error {
		return setRecord(txn, userKey(user.ID), user)
	})
	if err != nil {
		return model.User{}, wrapErr("failed to write user", err).WithContext("user_id", user.ID)
	}
	return user, nil
}

func (s *BadgerStore) ListUsers(ctx context.Context) ([]model.User, error) {
	var users []model.User
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(prefixUser), func(value []byte) error {
			var u model.User
			if err := unmarshal(value, &u); err != nil {
				return err
			}
			users = append(users, u)
			return nil
		})
	})
	if err != nil {
		return nil, wrapErr("failed to list users", err)
	}
	return users, nil
}

func (s *BadgerStore) WatchProcesses(ctx context.Context, hostID string) (<-chan store.ProcessChange, error) {
	return s.broadcaster.Subscribe(ctx, hostID), nil
}

func getString(txn *badger.Txn, key []byte) (string, bool, error) {
	item, err := txn.Get(key)
	if stdErrors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return "", false, err
	}
	return string(value), true, nil
}

func getRecord(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if stdErrors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return unmarshal(val, v)
	})
}

func setRecord(txn *badger.Txn, key []byte, v any) error {
	data, err := marshal(v)
	if err != nil {
		return errors.NewInternalError("failed to encode record", err).WithContext("key", string(key))
	}
	return txn.Set(key, data)
}

func scanPrefix(txn *badger.Txn, prefix []byte, fn func(value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// wrapErr keeps domain errors raised inside a transaction and classifies the rest as IO
func wrapErr(message string, err error) *errors.DomainError {
	var domainErr *errors.DomainError
	if stdErrors.As(err, &domainErr) {
		return errors.NewDomainError(domainErr.Type, message, err)
	}
	return errors.NewIOError(message, err)
}

type badgerLogger struct {
	logger logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("badger: "+format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf("badger: "+format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("badger: "+format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf("badger: "+format, args...)
}
