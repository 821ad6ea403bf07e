// Package catalog holds the canonical guide records and the per-run
// accumulator that collects them by channel.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/renameio/v2"
)

// Catalog accumulates programme records per channel for one run. Channel
// order is the order in which channels were first added.
type Catalog struct {
	mu      sync.RWMutex
	order   []string
	records map[string][]Programme
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{records: make(map[string][]Programme)}
}

// Add appends records for channelID. Adding an empty slice registers nothing.
func (c *Catalog) Add(channelID string, recs []Programme) {
	if len(recs) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[channelID]; !ok {
		c.order = append(c.order, channelID)
	}
	c.records[channelID] = append(c.records[channelID], recs...)
}

// Channels returns the channel ids with at least one record, in insertion order.
func (c *Catalog) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Records returns a copy of the records for channelID.
func (c *Catalog) Records(channelID string) []Programme {
	c.mu.RLock()
	defer c.mu.RUnlock()
	recs := c.records[channelID]
	out := make([]Programme, len(recs))
	copy(out, recs)
	return out
}

// Len is the number of channels with records.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// ProgrammeCount is the total number of records across channels.
func (c *Catalog) ProgrammeCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, recs := range c.records {
		n += len(recs)
	}
	return n
}

type snapshotChannel struct {
	ID         string      `json:"id"`
	Programmes []Programme `json:"programmes"`
}

type snapshot struct {
	Channels []snapshotChannel `json:"channels"`
}

// Save writes the catalog as JSON atomically.
func (c *Catalog) Save(path string) error {
	c.mu.RLock()
	snap := snapshot{Channels: make([]snapshotChannel, 0, len(c.order))}
	for _, id := range c.order {
		snap.Channels = append(snap.Channels, snapshotChannel{ID: id, Programmes: c.records[id]})
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("catalog save: %w", err)
	}
	return nil
}

// Load replaces the catalog contents with a snapshot written by Save.
func (c *Catalog) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("catalog load: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.records = make(map[string][]Programme)
	for _, ch := range snap.Channels {
		if len(ch.Programmes) == 0 {
			continue
		}
		if _, ok := c.records[ch.ID]; !ok {
			c.order = append(c.order, ch.ID)
		}
		c.records[ch.ID] = append(c.records[ch.ID], ch.Programmes...)
	}
	return nil
}
