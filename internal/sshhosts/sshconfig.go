package sshhosts

import (
	"fmt"
	"strings"
	"sync"

	"github.com/asheplyakov/vmbuilder/internal/atomicfile"
)

// SSHConfigEntry is one host's connection parameters in the generated
// ~/.ssh/config-style file.
type SSHConfigEntry struct {
	Host     string
	HostName string
	User     string
}

// ConfigGenerator accumulates SSH client config entries as VMs register and
// rewrites the config file atomically on each update, mirroring
// sshutils.py's SshConfigGenerator. Safe for concurrent use: callers are
// expected to be the single phone-home async-worker goroutine, but the
// internal mutex makes that assumption explicit rather than silent.
type ConfigGenerator struct {
	Path string

	mu      sync.Mutex
	entries []SSHConfigEntry
	byHost  map[string]int
}

// NewConfigGenerator returns a generator that (re)writes path on every Add/Update.
func NewConfigGenerator(path string) *ConfigGenerator {
	return &ConfigGenerator{Path: path, byHost: make(map[string]int)}
}

// Add registers a new host entry, replacing any existing entry of the same
// name, but does not write the file — callers batch Add then Write, or use
// Update to do both for a single host as it registers.
func (g *ConfigGenerator) Add(entry SSHConfigEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addLocked(entry)
}

func (g *ConfigGenerator) addLocked(entry SSHConfigEntry) {
	if idx, ok := g.byHost[entry.Host]; ok {
		g.entries[idx] = entry
		return
	}
	g.byHost[entry.Host] = len(g.entries)
	g.entries = append(g.entries, entry)
}

// Update adds entry and atomically rewrites the config file, the operation
// invoked from the phone-home async hook chain.
func (g *ConfigGenerator) Update(entry SSHConfigEntry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addLocked(entry)
	return g.writeLocked()
}

// Write atomically persists the current entries without adding a new one.
func (g *ConfigGenerator) Write() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writeLocked()
}

func (g *ConfigGenerator) writeLocked() error {
	var sb strings.Builder
	for _, e := range g.entries {
		fmt.Fprintf(&sb, "Host %s\n  HostName %s\n  User %s\n", e.Host, e.HostName, e.User)
	}
	return atomicfile.Save(g.Path, []byte(sb.String()), 0o644)
}
