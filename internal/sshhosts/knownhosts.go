// Package sshhosts manages the user's SSH known_hosts file and the
// per-cluster SSH client config, both serialized by process-wide locks as
// required by the concurrency model: external tools (ssh, ssh-keygen) are
// not assumed to run concurrently with this process, so only in-process
// callers need to be serialized against each other.
package sshhosts

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/asheplyakov/vmbuilder/internal/subprocess"
	"github.com/asheplyakov/vmbuilder/internal/vmerrors"
)

// knownHostsMu is the process-wide known_hosts lock mandated by the design
// notes: a package-level mutex, never hidden inside a struct, so every
// caller in the process shares exactly one lock regardless of how many
// KnownHosts values exist.
var knownHostsMu sync.Mutex

// KnownHosts manages a single known_hosts file via ssh-keygen -F/-R plus a
// manual append, matching sshutils.py's check/remove/update trio.
type KnownHosts struct {
	Path   string
	Runner *subprocess.Runner
}

// New returns a KnownHosts manager for path, defaulting Runner if nil.
func New(path string) *KnownHosts {
	return &KnownHosts{Path: path, Runner: &subprocess.Runner{}}
}

// Check reports whether nameOrIP has an entry in the known_hosts file.
func (k *KnownHosts) Check(ctx context.Context, nameOrIP string) (bool, error) {
	knownHostsMu.Lock()
	defer knownHostsMu.Unlock()
	return k.checkLocked(ctx, nameOrIP)
}

func (k *KnownHosts) checkLocked(ctx context.Context, nameOrIP string) (bool, error) {
	out, err := k.Runner.RunAllowExit(ctx, []int{0, 1}, "ssh-keygen", "-F", nameOrIP, "-f", k.Path)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Remove deletes every entry for nameOrIP, looping until ssh-keygen reports
// none remain (ssh-keygen -R only guarantees removal of the entries it saw
// at invocation time).
func (k *KnownHosts) Remove(ctx context.Context, nameOrIP string) error {
	knownHostsMu.Lock()
	defer knownHostsMu.Unlock()
	return k.removeLocked(ctx, nameOrIP)
}

func (k *KnownHosts) removeLocked(ctx context.Context, nameOrIP string) error {
	for {
		present, err := k.checkLocked(ctx, nameOrIP)
		if err != nil {
			return err
		}
		if !present {
			return nil
		}
		if _, err := k.Runner.Run(ctx, "ssh-keygen", "-R", nameOrIP, "-f", k.Path); err != nil {
			return err
		}
	}
}

// ReverseResolver looks up the FQDN for an IP, tolerating lookup failure.
type ReverseResolver interface {
	GuessFQDN(ctx context.Context, ip, fallback string) string
}

// HostIP pairs a short hostname with the IP it was observed registering
// from, the unit Update operates on.
type HostIP struct {
	Hostname string
	IP       string
}

// Update removes stale entries for each (ip, hostname) pair - by hostname,
// by reverse-resolved FQDN, and by ip - then appends one fresh known_hosts
// line per pair in the form "<fqdn>,<ip> <key>\n". Mirrors
// sshutils.py's update_known_hosts.
func (k *KnownHosts) Update(ctx context.Context, pairs []HostIP, sshKey string, resolver ReverseResolver) error {
	knownHostsMu.Lock()
	defer knownHostsMu.Unlock()

	f, err := os.OpenFile(k.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sshhosts: opening %s: %w", k.Path, err)
	}
	defer f.Close()

	var sb strings.Builder
	for _, p := range pairs {
		fqdn := p.Hostname
		if resolver != nil {
			fqdn = resolver.GuessFQDN(ctx, p.IP, p.Hostname)
		}
		for _, key := range []string{p.Hostname, fqdn, p.IP} {
			if err := k.removeLocked(ctx, key); err != nil {
				return err
			}
		}
		sb.WriteString(fmt.Sprintf("%s,%s %s\n", fqdn, p.IP, sshKey))
	}

	if _, err := f.WriteString(sb.String()); err != nil {
		return fmt.Errorf("sshhosts: writing %s: %w", k.Path, err)
	}
	return f.Sync()
}

// DigResolver resolves FQDNs via the `dig` CLI, tolerating failure by
// falling back to the hostname, matching dnsutils.py's guess_fqdn.
type DigResolver struct {
	Runner *subprocess.Runner
}

// GuessFQDN returns the reverse-DNS name for ip, or fallback if the lookup
// fails or returns nothing.
func (d *DigResolver) GuessFQDN(ctx context.Context, ip, fallback string) string {
	r := d.Runner
	if r == nil {
		r = &subprocess.Runner{}
	}
	out, err := r.Run(ctx, "dig", "-x", ip, "+short")
	if err != nil {
		return fallback
	}
	name := strings.TrimSuffix(strings.TrimSpace(strings.SplitN(out, "\n", 2)[0]), ".")
	if name == "" {
		return fallback
	}
	return name
}

// ResolveReverse performs a single reverse-DNS lookup and surfaces failure
// as a typed error, for callers that need to distinguish "no such host" from
// a successful empty answer (e.g. diagnostics commands).
func ResolveReverse(ctx context.Context, runner *subprocess.Runner, ip string) (string, error) {
	out, err := runner.Run(ctx, "dig", "-x", ip, "+short")
	if err != nil {
		return "", &vmerrors.NoSuchIpError{IP: ip}
	}
	name := strings.TrimSuffix(strings.TrimSpace(strings.SplitN(out, "\n", 2)[0]), ".")
	if name == "" {
		return "", &vmerrors.NoSuchHostError{Host: ip}
	}
	return name, nil
}
