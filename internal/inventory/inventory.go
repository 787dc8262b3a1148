// Package inventory generates an Ansible-style inventory file as guests
// phone home, grounded on cloudinit_callback.py's InventoryGenerator:
// role "all" always has a dedicated section first, other roles are
// alphabetized, and every mutation rewrites the file atomically.
package inventory

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/asheplyakov/vmbuilder/internal/atomicfile"
)

// Host is one guest's rendered inventory fields.
type Host struct {
	Name            string
	AnsibleHost     string // guest IP
	OS              string // "unix" or "windows"
	AnsiblePassword string // required when OS == "windows"
}

// Generator accumulates hosts by role and rewrites the inventory file on
// every Update, matching InventoryGenerator.add/update/write.
type Generator struct {
	Path string

	mu    sync.Mutex
	roles map[string][]Host // role -> hosts, in registration order
}

// New returns a Generator writing to path. The "all" role is always present
// (possibly empty) so I-ORDER holds even before any guest registers.
func New(path string) *Generator {
	return &Generator{
		Path:  path,
		roles: map[string][]Host{"all": {}},
	}
}

// Add registers host under role (and implicitly under "all") without
// writing the file.
func (g *Generator) Add(role string, h Host) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addLocked(role, h)
}

func (g *Generator) addLocked(role string, h Host) {
	g.roles["all"] = append(g.roles["all"], h)
	if role != "all" {
		g.roles[role] = append(g.roles[role], h)
	}
}

// Update adds host under role and atomically rewrites the inventory file,
// the operation invoked from the phone-home async hook chain.
func (g *Generator) Update(role string, h Host) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addLocked(role, h)
	return g.writeLocked()
}

// Write atomically persists the current inventory without adding a host.
func (g *Generator) Write() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writeLocked()
}

func (g *Generator) writeLocked() error {
	var sb strings.Builder

	others := make([]string, 0, len(g.roles))
	for role := range g.roles {
		if role != "all" {
			others = append(others, role)
		}
	}
	sort.Strings(others)

	ordered := append([]string{"all"}, others...)
	for _, role := range ordered {
		sb.WriteString(fmt.Sprintf("[%s]\n", role))
		for _, h := range g.roles[role] {
			sb.WriteString(renderHostLine(h))
		}
	}

	return atomicfile.Save(g.Path, []byte(sb.String()), 0o644)
}

func renderHostLine(h Host) string {
	if h.OS == "windows" {
		return fmt.Sprintf(
			"%s ansible_host=%s ansible_port=5985 ansible_connection=winrm "+
				"ansible_winrm_scheme=http ansible_winrm_transport=basic "+
				"ansible_user=administrator ansible_password=%s\n",
			h.Name, h.AnsibleHost, h.AnsiblePassword,
		)
	}
	return fmt.Sprintf("%s ansible_host=%s ansible_user=root\n", h.Name, h.AnsibleHost)
}
