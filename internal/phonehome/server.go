// Package phonehome implements the cloud-init "phone home" HTTP server
// (and its Windows first-logon-script equivalent): it receives guest
// registration POSTs, serializes them onto a single consumer goroutine,
// and runs an ordered chain of hooks against each one — known_hosts
// update, orchestrator admission release, inventory update, SSH config
// update — stopping once every expected guest has registered.
//
// Grounded on cloudinit_callback.py's CloudInitWebCallback.
package phonehome

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/asheplyakov/vmbuilder/internal/inventory"
	"github.com/asheplyakov/vmbuilder/internal/sshhosts"
	"github.com/asheplyakov/vmbuilder/internal/vmerrors"
)

// GuestReport is one guest's cloud-init phone_home POST, or the
// equivalent data a Windows guest's first-logon script sends.
type GuestReport struct {
	Hostname   string
	IP         string
	SSHKey     string
	InstanceID string
	UserAgent  string
}

// OS derives the guest's OS family from its User-Agent, matching
// cloudinit_callback.py's guess_os: "windows" if the string contains
// "Windows", else "unix".
func (r GuestReport) OS() string {
	if strings.Contains(r.UserAgent, "Windows") {
		return "windows"
	}
	return "unix"
}

// ShortHostname is the hostname's first label, lowercased — the key this
// package and its hooks use to match a report to a known VM.
func (r GuestReport) ShortHostname() string {
	return strings.ToLower(strings.SplitN(r.Hostname, ".", 2)[0])
}

// Hook processes one GuestReport as part of the async chain. Hooks run in
// declared order for a single report; a failing hook is logged but does
// not stop the remaining hooks from running — a single VM's inventory or
// SSH-config write failure shouldn't block known_hosts updates for the
// same VM or block later arrivals.
type Hook func(ctx context.Context, r GuestReport) error

// VMInfo is what the server needs to know about one expected guest ahead
// of time: its ansible inventory role and, for Windows hosts, the
// administrator password the inventory line must carry.
type VMInfo struct {
	Role        string
	AnsiblePass string
}

// Server accepts phone-home POSTs for a fixed set of expected VMs and
// runs the hook chain until every one has registered (or Stop is called).
type Server struct {
	HTTPServer *http.Server

	KnownHosts         *sshhosts.KnownHosts
	KnownHostsResolver sshhosts.ReverseResolver
	Inventory          *inventory.Generator
	SSHConfig          *sshhosts.ConfigGenerator
	ExtraHooks         []Hook

	expected map[string]VMInfo // short hostname -> info
	reports  chan *GuestReport
	stopOnce sync.Once
	done     chan struct{}
}

// New returns a Server expecting exactly the hosts in expected (short
// hostname -> VMInfo), listening at addr.
func New(addr string, expected map[string]VMInfo) *Server {
	s := &Server{
		expected: expected,
		reports:  make(chan *GuestReport, 16),
		done:     make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handlePost)
	s.HTTPServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Server) handlePost(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := req.ParseForm(); err != nil {
		reqErr := &vmerrors.MalformedRequestError{Reason: "bad form body: " + err.Error()}
		http.Error(w, reqErr.Error(), http.StatusBadRequest)
		return
	}

	hostname := req.PostFormValue("hostname")
	if hostname == "" {
		reqErr := &vmerrors.MalformedRequestError{Reason: "hostname is required"}
		http.Error(w, reqErr.Error(), http.StatusBadRequest)
		return
	}

	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}

	report := &GuestReport{
		Hostname:   hostname,
		IP:         host,
		SSHKey:     strings.TrimSpace(req.PostFormValue("pub_key_rsa")),
		InstanceID: req.PostFormValue("instance_id"),
		UserAgent:  req.Header.Get("User-Agent"),
	}

	select {
	case s.reports <- report:
		w.WriteHeader(http.StatusOK)
	case <-req.Context().Done():
		http.Error(w, "request cancelled", http.StatusServiceUnavailable)
	}
}

// Run starts the HTTP listener and the async worker, blocking until every
// expected guest has registered or Stop is called. It returns the first
// hook error encountered, if any (logged, not fatal, per the tolerant
// design below) — currently always nil, reserved for future strict modes.
func (s *Server) Run(ctx context.Context) error {
	listenErrCh := make(chan error, 1)
	go func() {
		if err := s.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			listenErrCh <- err
		}
	}()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		s.asyncWorker(ctx)
	}()

	select {
	case <-workerDone:
	case err := <-listenErrCh:
		s.Stop()
		<-workerDone
		return fmt.Errorf("phonehome: http listener: %w", err)
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.HTTPServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("phonehome: shutdown: %v", err)
	}
	return nil
}

// Stop causes Run to return even if not every expected guest has
// registered — used by the orchestrator when a worker has failed and the
// whole run is being aborted.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *Server) asyncWorker(ctx context.Context) {
	seen := make(map[string]bool, len(s.expected))
	for {
		if len(seen) >= len(s.expected) && allSeen(seen, s.expected) {
			return
		}
		select {
		case <-s.done:
			return
		case report := <-s.reports:
			if report == nil {
				continue
			}
			s.runHooks(ctx, *report)
			seen[report.ShortHostname()] = true
		}
	}
}

func allSeen(seen map[string]bool, expected map[string]VMInfo) bool {
	for name := range expected {
		if !seen[name] {
			return false
		}
	}
	return true
}

// runHooks executes the fixed hook chain in order (known_hosts, extra
// orchestrator hooks, inventory, ssh-config, report-ready log), tolerating
// individual hook failures so one bad write doesn't sink the remaining
// hooks for this guest or the next guest's report.
func (s *Server) runHooks(ctx context.Context, r GuestReport) {
	info, known := s.expected[r.ShortHostname()]

	if r.OS() != "windows" && s.KnownHosts != nil && r.SSHKey != "" {
		pairs := []sshhosts.HostIP{{Hostname: r.ShortHostname(), IP: r.IP}}
		if err := s.KnownHosts.Update(ctx, pairs, r.SSHKey, s.KnownHostsResolver); err != nil {
			log.Printf("phonehome: known_hosts update for %s: %v", r.Hostname, err)
		}
	}

	for _, hook := range s.ExtraHooks {
		if err := hook(ctx, r); err != nil {
			log.Printf("phonehome: hook for %s: %v", r.Hostname, err)
		}
	}

	if s.Inventory != nil {
		role := "all"
		ansiblePass := ""
		if known {
			role = info.Role
			ansiblePass = info.AnsiblePass
		}
		host := inventory.Host{
			Name:            r.ShortHostname(),
			AnsibleHost:     r.IP,
			OS:              r.OS(),
			AnsiblePassword: ansiblePass,
		}
		if err := s.Inventory.Update(role, host); err != nil {
			log.Printf("phonehome: inventory update for %s: %v", r.Hostname, err)
		}
	}

	if s.SSHConfig != nil {
		user := "root"
		if r.OS() == "windows" {
			user = "administrator"
		}
		entry := sshhosts.SSHConfigEntry{Host: r.ShortHostname(), HostName: r.IP, User: user}
		if err := s.SSHConfig.Update(entry); err != nil {
			log.Printf("phonehome: ssh config update for %s: %v", r.Hostname, err)
		}
	}

	log.Printf("vm %s ready, ssh_key: %s", r.Hostname, r.SSHKey)
}
