// Package datastore is a small JSON-file key-value store used as the
// orchestrator's store of record. All data lives in memory and is flushed
// to disk atomically, either on an autosave interval or on Close.
package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const defaultAutoSaveInterval = 10 * time.Second

type DataStore struct {
	mu     sync.RWMutex
	data   map[string]json.RawMessage
	file   string
	dirty  bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New opens (or creates) the store backed by the given file.
func New(filePath string) (*DataStore, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ds := &DataStore{
		data:   make(map[string]json.RawMessage),
		file:   filePath,
		ctx:    ctx,
		cancel: cancel,
	}

	if _, err := os.Stat(filePath); err == nil {
		if err := ds.load(); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to load data from file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		cancel()
		return nil, fmt.Errorf("failed to check file existence: %w", err)
	}

	ds.wg.Add(1)
	go ds.autoSave()

	return ds, nil
}

// Set marshals value and stores it under key.
func (ds *DataStore) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %q: %w", key, err)
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.closed {
		return fmt.Errorf("datastore is closed")
	}
	ds.data[key] = raw
	ds.dirty = true
	return nil
}

// Get unmarshals the value stored under key into out. The first
// return is false when the key does not exist.
func (ds *DataStore) Get(key string, out any) (bool, error) {
	ds.mu.RLock()
	raw, exists := ds.data[key]
	ds.mu.RUnlock()
	if !exists {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("failed to unmarshal value for %q: %w", key, err)
	}
	return true, nil
}

// Delete removes a key. Deleting a missing key is a no-op.
func (ds *DataStore) Delete(key string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.closed {
		return
	}
	if _, exists := ds.data[key]; exists {
		delete(ds.data, key)
		ds.dirty = true
	}
}

// Keys returns all stored keys in no particular order.
func (ds *DataStore) Keys() []string {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	keys := make([]string, 0, len(ds.data))
	for k := range ds.data {
		keys = append(keys, k)
	}
	return keys
}

// Save forces an immediate flush to disk.
func (ds *DataStore) Save() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.closed {
		return fmt.Errorf("datastore is closed")
	}
	return ds.saveLocked()
}

// Close stops the autosave loop and performs a final flush.
func (ds *DataStore) Close() error {
	ds.mu.Lock()
	if ds.closed {
		ds.mu.Unlock()
		return nil
	}
	ds.closed = true
	ds.mu.Unlock()

	ds.cancel()
	ds.wg.Wait()

	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.saveLocked()
}

func (ds *DataStore) autoSave() {
	defer ds.wg.Done()
	ticker := time.NewTicker(defaultAutoSaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ds.mu.Lock()
			if ds.dirty && !ds.closed {
				if err := ds.saveLocked(); err != nil {
					fmt.Fprintf(os.Stderr, "[datastore] autosave failed: %v\n", err)
				}
			}
			ds.mu.Unlock()
		case <-ds.ctx.Done():
			return
		}
	}
}

func (ds *DataStore) load() error {
	raw, err := os.ReadFile(ds.file)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, &ds.data)
}

// saveLocked writes the full map atomically via a temp-file rename.
// Callers must hold ds.mu.
func (ds *DataStore) saveLocked() error {
	raw, err := json.MarshalIndent(ds.data, "", "  ")
	if err != nil {
		return err
	}

	tmp := ds.file + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, ds.file); err != nil {
		os.Remove(tmp)
		return err
	}
	ds.dirty = false
	return nil
}
