// Package registry provides JSON-file-backed CRUD of persistent
// session metadata in a single atomically-written document: serialize,
// write temp, fsync, rename.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/eisen-labs/eisen-core/internal/logging"
	"github.com/eisen-labs/eisen-core/internal/wire"
)

// ErrNotFound is returned when a session key has no registry entry.
var ErrNotFound = errors.New("registry: session not found")

// Registry is a single mutable resource guarded by one mutex, backed
// by an atomically-written JSON document.
type Registry struct {
	path string
	lock *fileLock

	mu  sync.Mutex
	doc wire.RegistryDocument

	// retryScheduled tracks whether a persistence retry is already
	// pending, so repeated mutate-while-broken calls don't pile up
	// backoff goroutines.
	retryScheduled bool
}

// Load opens the registry at path, creating an empty document if the
// file is absent, and backing up an unreadable file before starting
// fresh.
func Load(path string) (*Registry, error) {
	r := &Registry{
		path: path,
		lock: newFileLock(path),
		doc:  wire.RegistryDocument{Sessions: []wire.SessionRegistryEntry{}},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("registry: reading %s: %w", path, err)
	}

	var doc wire.RegistryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		backupPath := path + ".corrupt." + time.Now().UTC().Format("20060102T150405")
		if backupErr := os.Rename(path, backupPath); backupErr != nil {
			logging.Warn().Err(backupErr).Str("path", path).Msg("failed to back up unreadable registry file")
		} else {
			logging.Warn().Str("path", path).Str("backup", backupPath).Msg("registry file unreadable, started empty")
		}
		return r, nil
	}

	if doc.Sessions == nil {
		doc.Sessions = []wire.SessionRegistryEntry{}
	}
	r.doc = doc
	return r, nil
}

// flush serializes the document and writes it atomically: temp file,
// fsync, rename over the target. Must be called with mu held.
func (r *Registry) flush() error {
	r.pruneDanglingProviders()

	data, err := json.MarshalIndent(r.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("registry: mkdir: %w", err)
	}

	if err := r.lock.acquire(); err != nil {
		return fmt.Errorf("registry: lock: %w", err)
	}
	defer r.lock.release()

	tmpPath := r.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("registry: open temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("registry: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("registry: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("registry: close temp: %w", err)
	}

	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("registry: rename: %w", err)
	}
	return nil
}

// persist flushes and, on failure, starts one background retry job that
// retries with exponential backoff and gives up after 5 seconds; while
// that job is pending, further failures start no other. The in-memory
// document remains authoritative
// throughout; a write that never lands costs persistence, not
// correctness.
func (r *Registry) persist() error {
	err := r.flush()
	if err == nil {
		return nil
	}

	logging.Warn().Err(err).Str("path", r.path).Msg("registry persistence failed")

	if r.retryScheduled {
		return err
	}
	r.retryScheduled = true

	go func() {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 5 * time.Second
		retryErr := backoff.Retry(func() error {
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.flush()
		}, b)

		r.mu.Lock()
		r.retryScheduled = false
		r.mu.Unlock()

		if retryErr != nil {
			logging.Error().Err(retryErr).Str("path", r.path).Msg("registry persistence retry exhausted")
		}
	}()

	return err
}

// indexOf returns the slice index of key, or -1.
func (r *Registry) indexOf(key wire.SessionKey) int {
	for i, e := range r.doc.Sessions {
		if e.AgentID == key.AgentID && e.SessionID == key.SessionID {
			return i
		}
	}
	return -1
}

// exists reports whether key has a registry entry. Must be called with
// mu held.
func (r *Registry) exists(key wire.SessionKey) bool {
	return r.indexOf(key) >= 0
}

// Create adds a new session entry, or returns the existing one
// unchanged if the key is already registered.
func (r *Registry) Create(key wire.SessionKey, mode wire.SessionMode) (wire.SessionRegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i := r.indexOf(key); i >= 0 {
		return r.doc.Sessions[i], nil
	}

	now := time.Now().UnixMilli()
	entry := wire.SessionRegistryEntry{
		AgentID:     key.AgentID,
		SessionID:   key.SessionID,
		Mode:        mode,
		History:     []wire.TurnSummary{},
		Context:     []string{},
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}
	r.doc.Sessions = append(r.doc.Sessions, entry)

	if err := r.persist(); err != nil {
		return entry, err
	}
	return entry, nil
}

// Get returns the entry for key.
func (r *Registry) Get(key wire.SessionKey) (wire.SessionRegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(key)
	if i < 0 {
		return wire.SessionRegistryEntry{}, ErrNotFound
	}
	return r.doc.Sessions[i], nil
}

// Update applies a mutation function to the entry for key and persists
// the result.
func (r *Registry) Update(key wire.SessionKey, mutate func(*wire.SessionRegistryEntry)) (wire.SessionRegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(key)
	if i < 0 {
		return wire.SessionRegistryEntry{}, ErrNotFound
	}

	mutate(&r.doc.Sessions[i])
	r.doc.Sessions[i].UpdatedAtMS = time.Now().UnixMilli()

	if err := r.persist(); err != nil {
		return r.doc.Sessions[i], err
	}
	return r.doc.Sessions[i], nil
}

// Close removes a session entry.
func (r *Registry) Close(key wire.SessionKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(key)
	if i < 0 {
		return ErrNotFound
	}
	r.doc.Sessions = append(r.doc.Sessions[:i], r.doc.Sessions[i+1:]...)

	if r.doc.Active != nil && r.doc.Active.AgentID == key.AgentID && r.doc.Active.SessionID == key.SessionID {
		r.doc.Active = nil
	}

	return r.persist()
}

// List returns all entries, optionally filtered by agent ID.
func (r *Registry) List(agentID string) []wire.SessionRegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]wire.SessionRegistryEntry, 0, len(r.doc.Sessions))
	for _, e := range r.doc.Sessions {
		if agentID != "" && e.AgentID != agentID {
			continue
		}
		out = append(out, e)
	}
	return out
}

// SetActive marks key as the single active session; at most one
// session is active at a time.
func (r *Registry) SetActive(key wire.SessionKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.exists(key) {
		return ErrNotFound
	}
	k := key
	r.doc.Active = &k
	return r.persist()
}

// Active returns the current active session key, if any.
func (r *Registry) Active() (wire.SessionKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.doc.Active == nil {
		return wire.SessionKey{}, false
	}
	return *r.doc.Active, true
}

// SetOrchestratorProviders replaces the provider list for an
// orchestrator-mode session. Candidate keys that do not currently
// exist in the registry are silently dropped; a provider list may
// reference only keys that exist at the moment it is set.
func (r *Registry) SetOrchestratorProviders(key wire.SessionKey, providers []wire.SessionKey) (wire.SessionRegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(key)
	if i < 0 {
		return wire.SessionRegistryEntry{}, ErrNotFound
	}

	kept := make([]wire.SessionKey, 0, len(providers))
	for _, p := range providers {
		if r.exists(p) {
			kept = append(kept, p)
		}
	}

	r.doc.Sessions[i].Providers = kept
	r.doc.Sessions[i].UpdatedAtMS = time.Now().UnixMilli()

	if err := r.persist(); err != nil {
		return r.doc.Sessions[i], err
	}
	return r.doc.Sessions[i], nil
}

// pruneDanglingProviders drops provider references to keys that no
// longer exist, called before every flush so a write never persists a
// dangling reference left behind by a concurrent Close.
func (r *Registry) pruneDanglingProviders() {
	for i := range r.doc.Sessions {
		entry := &r.doc.Sessions[i]
		if len(entry.Providers) == 0 {
			continue
		}
		kept := entry.Providers[:0]
		for _, p := range entry.Providers {
			if r.exists(p) {
				kept = append(kept, p)
			}
		}
		entry.Providers = kept
	}
}

// AddContextItems appends to a session's free-form context-item list.
func (r *Registry) AddContextItems(key wire.SessionKey, items []string) (wire.SessionRegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(key)
	if i < 0 {
		return wire.SessionRegistryEntry{}, ErrNotFound
	}

	r.doc.Sessions[i].Context = append(r.doc.Sessions[i].Context, items...)
	r.doc.Sessions[i].UpdatedAtMS = time.Now().UnixMilli()

	if err := r.persist(); err != nil {
		return r.doc.Sessions[i], err
	}
	return r.doc.Sessions[i], nil
}
