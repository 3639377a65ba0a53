// Package mirror implements the replication engine: the serial-tracking
// synchronization state machine, the per-package sync, and the verification
// and deletion utilities built on top of them.
package mirror

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/pypimirror/pypimirror/pkg/config"
	"github.com/pypimirror/pypimirror/pkg/errors"
	"github.com/pypimirror/pypimirror/pkg/filter"
	"github.com/pypimirror/pypimirror/pkg/index"
	"github.com/pypimirror/pypimirror/pkg/storage"
	"github.com/pypimirror/pypimirror/pkg/upstream"
)

// generation is the schema version of the on-disk replica layout. A replica
// written by a different generation is fully resynced rather than
// interpreted.
const generation = 5

// lockTimeout bounds how long startup waits for the replica directory lock
// before refusing to run.
const lockTimeout = 5 * time.Second

// Mirror drives one replica: it decides what needs syncing, runs the work
// under bounded concurrency, and finalizes durably.
type Mirror struct {
	cfg      config.Config
	storage  storage.Backend
	upstream upstream.Client
	filters  *filter.Set
	clock    clockwork.Clock

	// mu guards the run-mutable state below. The todo file is only ever
	// rewritten while holding it.
	mu           sync.Mutex
	todo         map[string]int64
	targetSerial int64
	syncedSerial int64
	altered      bool
	failed       int
	stopOnce     sync.Once
	stop         chan struct{}
}

// New returns a Mirror over the given collaborators. The clock is
// injectable for tests.
func New(cfg config.Config, backend storage.Backend, client upstream.Client,
	filters *filter.Set, clock clockwork.Clock) *Mirror {

	return &Mirror{
		cfg:      cfg,
		storage:  backend,
		upstream: client,
		filters:  filters,
		clock:    clock,
		stop:     make(chan struct{}),
	}
}

// Run performs one synchronization pass: bootstrap, work determination,
// concurrent package syncs, global index regeneration, and finalization.
// The durable serial only advances if every selected package completed
// without error.
func (m *Mirror) Run(ctx context.Context) error {
	release, err := m.storage.Lock(lockPath, lockTimeout)
	if err != nil {
		if _, held := errors.RootCause(err).(errors.LockHeld); held {
			return errors.NewFriendlyError("Another process is already syncing "+
				"this mirror (lock %q is held). Refusing to run two writers "+
				"against the same replica.", lockPath)
		}
		return errors.WithContext(err, "acquire mirror lock")
	}
	defer release()

	if err := m.checkGeneration(); err != nil {
		return errors.WithContext(err, "check generation")
	}
	m.syncedSerial = m.readSerial(statusPath)

	resumed, err := m.determineWork(ctx)
	if err != nil {
		return errors.WithContext(err, "determine work")
	}

	if len(m.todo) == 0 {
		log.WithField("serial", m.syncedSerial).Info("Mirror is up to date.")
		return m.finalize(ctx)
	}

	if !resumed {
		// Persist the work set up front so a crash mid-run resumes
		// instead of recomputing the delta.
		m.mu.Lock()
		err := m.writeTodoLocked()
		m.mu.Unlock()
		if err != nil {
			return errors.WithContext(err, "write todo")
		}
	}

	log.WithFields(log.Fields{
		"packages": len(m.todo),
		"target":   m.targetSerial,
		"workers":  m.cfg.Workers,
	}).Info("Starting sync run.")

	m.runWorkers(ctx)

	if m.altered {
		if err := m.writeGlobalIndex(); err != nil {
			return errors.WithContext(err, "write global index")
		}
	}
	return m.finalize(ctx)
}

type task struct {
	name   string
	serial int64
}

// runWorkers fans the work set out to a bounded pool, in deterministic
// (sorted) order so runs over the same work set are reproducible.
func (m *Mirror) runWorkers(ctx context.Context) {
	tasks := make([]task, 0, len(m.todo))
	for name, serial := range m.todo {
		tasks = append(tasks, task{name: name, serial: serial})
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].name < tasks[j].name })

	workers := m.cfg.Workers
	if len(tasks) < workers {
		workers = len(tasks)
	}

	queue := make(chan task)
	go func() {
		defer close(queue)
		for _, t := range tasks {
			select {
			case queue <- t:
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range queue {
				if err := m.syncPackage(ctx, t.name, t.serial); err != nil {
					log.WithError(err).WithFields(log.Fields{
						"package": t.name,
						"serial":  t.serial,
					}).Error("Failed to sync package")
					m.noteFailure()
				}
			}
		}()
	}
	wg.Wait()
}

// noteFailure records a failed package and, when configured to stop on the
// first error, prevents new work from being enqueued. In-flight packages
// finish their current work to avoid half-written state.
func (m *Mirror) noteFailure() {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()

	if m.cfg.StopOnError {
		m.stopOnce.Do(func() { close(m.stop) })
	}
}

func (m *Mirror) noteAltered() {
	m.mu.Lock()
	m.altered = true
	m.mu.Unlock()
}

// finishPackage drops a completed package from the durable work set. Failed
// packages are deliberately left in it so the next run retries them.
func (m *Mirror) finishPackage(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.todo, name)
	if err := m.writeTodoLocked(); err != nil {
		log.WithError(err).WithField("package", name).Warn(
			"Failed to update todo file. The package may be re-synced after a restart.")
	}
}

// checkGeneration validates the replica's schema version. A mismatch wipes
// the sync state, forcing a full resync; the web tree is left in place and
// reconverges as packages are re-synced.
func (m *Mirror) checkGeneration() error {
	raw, err := m.storage.ReadFile(generationPath)
	if err == nil {
		current, parseErr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if parseErr == nil && current == generation {
			return nil
		}
		log.WithFields(log.Fields{
			"found":    strings.TrimSpace(string(raw)),
			"expected": generation,
		}).Warn("Replica generation mismatch. Forcing a full resync.")

		if err := m.storage.Delete(statusPath); err != nil {
			return errors.WithContext(err, "reset status")
		}
		if err := m.storage.Delete(todoPath); err != nil {
			return errors.WithContext(err, "reset todo")
		}
	} else if _, notFound := errors.RootCause(err).(errors.FileNotFound); !notFound {
		return errors.WithContext(err, "read generation")
	}

	_, err = m.storage.RewriteIfChanged(generationPath,
		[]byte(strconv.Itoa(generation)))
	return err
}

func (m *Mirror) readSerial(path string) int64 {
	raw, err := m.storage.ReadFile(path)
	if err != nil {
		return 0
	}
	serial, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		log.WithError(err).WithField("path", path).Warn(
			"Failed to parse serial file. Assuming a fresh mirror.")
		return 0
	}
	return serial
}

// determineWork computes the work set for this run. It reports whether the
// set was resumed from a previous run's todo file.
func (m *Mirror) determineWork(ctx context.Context) (resumed bool, err error) {
	if raw, readErr := m.storage.ReadFile(todoPath); readErr == nil {
		target, pending, parseErr := parseTodo(raw)
		if parseErr == nil {
			log.WithFields(log.Fields{
				"packages": len(pending),
				"target":   target,
			}).Info("Resuming interrupted sync run.")
			m.targetSerial = target
			m.todo = m.filterWork(pending)
			return true, nil
		}
		log.WithError(parseErr).Warn("Ignoring corrupt todo file.")
		if err := m.storage.Delete(todoPath); err != nil {
			return false, errors.WithContext(err, "remove corrupt todo")
		}
	}

	if m.syncedSerial == 0 {
		all, err := m.upstream.AllPackages(ctx)
		if err != nil {
			return false, errors.WithContext(err, "list all packages")
		}

		target := int64(0)
		for _, serial := range all {
			if serial > target {
				target = serial
			}
		}
		m.targetSerial = target
		m.todo = m.filterWork(all)
		return false, nil
	}

	changed, target, err := m.upstream.ChangedPackages(ctx, m.syncedSerial)
	if err != nil {
		return false, errors.WithContext(err, "fetch changelog")
	}
	m.targetSerial = target
	m.todo = m.filterWork(changed)
	return false, nil
}

// filterWork applies the project-level filters to the work set. Rejected
// projects are dropped from this run; they're neither synced nor removed
// locally.
func (m *Mirror) filterWork(work map[string]int64) map[string]int64 {
	kept := make(map[string]int64, len(work))
	for name, serial := range work {
		if !m.filters.KeepProject(name) {
			log.WithField("package", name).Debug("Package excluded by project filters.")
			continue
		}
		kept[name] = serial
	}
	return kept
}

// writeGlobalIndex regenerates the top-level project listing in the
// configured formats. RewriteIfChanged keeps unchanged trees write-free.
func (m *Mirror) writeGlobalIndex() error {
	projects, err := m.listProjects()
	if err != nil {
		return errors.WithContext(err, "enumerate projects")
	}

	if m.cfg.SimpleFormat != config.SimpleFormatJSON {
		page := index.GlobalHTML(projects)
		if _, err := m.storage.RewriteIfChanged(simpleDir+"/index.html", page); err != nil {
			return errors.WithContext(err, "write html index")
		}
	}
	serial := m.targetSerial
	if serial == 0 {
		// Outside a sync run (verify, delete) the durable serial is the
		// one the replica is at.
		serial = m.readSerial(statusPath)
	}
	if m.cfg.SimpleFormat != config.SimpleFormatHTML {
		page, err := index.GlobalJSON(projects, serial)
		if err != nil {
			return errors.WithContext(err, "render json index")
		}
		if _, err := m.storage.RewriteIfChanged(simpleDir+"/index.v1_json", page); err != nil {
			return errors.WithContext(err, "write json index")
		}
	}
	return nil
}

// listProjects enumerates the normalized project directories the replica
// currently serves.
func (m *Mirror) listProjects() ([]string, error) {
	entries, err := m.storage.List(simpleDir)
	if err != nil {
		if _, notFound := errors.RootCause(err).(errors.FileNotFound); notFound {
			return nil, nil
		}
		return nil, err
	}

	var projects []string
	for _, entry := range entries {
		if !m.storage.IsDir(simpleDir + "/" + entry) {
			continue
		}

		if !m.cfg.HashIndex {
			projects = append(projects, entry)
			continue
		}

		// With hash indexing, the first level is single-character
		// buckets and projects live one level down.
		children, err := m.storage.List(simpleDir + "/" + entry)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if m.storage.IsDir(simpleDir + "/" + entry + "/" + child) {
				projects = append(projects, child)
			}
		}
	}
	sort.Strings(projects)
	return projects, nil
}

// finalize advances the durable serial, but only for an error-free,
// uncancelled run. Otherwise the status and todo files are left for the
// next run to resume from.
func (m *Mirror) finalize(ctx context.Context) error {
	if ctx.Err() != nil {
		log.Warn("Sync interrupted. Progress is recorded; the next run will resume.")
		return errors.WithContext(ctx.Err(), "run cancelled")
	}

	m.mu.Lock()
	failed := m.failed
	m.mu.Unlock()
	if failed > 0 {
		return errors.Errorf(
			"%d packages failed to sync; not advancing serial beyond %d",
			failed, m.syncedSerial)
	}

	err := m.storage.Rewrite(statusPath, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%d", m.targetSerial)
		return err
	})
	if err != nil {
		return errors.WithContext(err, "write status")
	}

	if err := m.storage.Delete(todoPath); err != nil {
		return errors.WithContext(err, "remove todo")
	}

	timestamp := m.clock.Now().UTC().Format(time.RFC1123)
	if _, err := m.storage.RewriteIfChanged(lastModifiedPath, []byte(timestamp)); err != nil {
		return errors.WithContext(err, "write last-modified")
	}

	m.syncedSerial = m.targetSerial
	log.WithField("serial", m.syncedSerial).Info("Sync complete.")
	return nil
}
