// Package controlplane implements the loopback-only admin/introspection
// server of spec.md §4.7: a tiny line protocol standing in for the chat
// UI that would otherwise sit behind this surface.
package controlplane

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/smileytechness/peerns/contactstore"
	"github.com/smileytechness/peerns/namespace"
	"github.com/smileytechness/peerns/session"
)

const maxConns = 256

// Server is a line-oriented admin server, structurally identical to
// socks.Server (Addr, Logger, a sem chan struct{} connection-count
// limiter, ListenAndServe/Close), but instead of relaying SOCKS5 bytes
// through a Tor circuit it answers STATUS/CONTACTS/NAMESPACES/SEND
// against the running namespace.Engines, contactstore.Store, and
// session.Manager.
type Server struct {
	Addr     string
	Contacts *contactstore.Store
	Sessions *session.Manager
	Logger   *slog.Logger

	mu         sync.Mutex
	namespaces map[string]*trackedNamespace

	ln  net.Listener
	sem chan struct{}
}

type trackedNamespace struct {
	role  string
	level int
	peers int
}

// NewServer creates an admin server with no namespaces tracked yet; call
// Track once per running namespace.Engine.
func NewServer(addr string, contacts *contactstore.Store, sessions *session.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Addr:       addr,
		Contacts:   contacts,
		Sessions:   sessions,
		Logger:     logger,
		namespaces: make(map[string]*trackedNamespace),
	}
}

// Track drains eng's Updates() stream into this server's cached
// namespace-status table, keyed by name. An Engine's role/level/registry
// are only safe to read from the goroutine running its Run loop, so this
// is the one way the admin server learns of them. Use Track when nothing
// else needs to observe the same engine; a caller that also wants to
// react to registry changes itself (to trigger a session connect, say)
// should drain eng.Updates() on its own and call Observe directly
// instead, since a channel only has one effective consumer.
func (s *Server) Track(name string, eng *namespace.Engine) {
	s.RegisterNamespace(name)
	go func() {
		for u := range eng.Updates() {
			s.Observe(name, u)
		}
	}()
}

// RegisterNamespace adds name to the status table with no role yet,
// without spawning a drain goroutine. Pair with Observe when the caller
// owns the Updates() drain loop itself.
func (s *Server) RegisterNamespace(name string) {
	s.mu.Lock()
	s.namespaces[name] = &trackedNamespace{role: namespace.RoleNone.String()}
	s.mu.Unlock()
}

// Observe applies one namespace.Update, received from the named engine,
// to the cached status table.
func (s *Server) Observe(name string, u namespace.Update) {
	s.mu.Lock()
	t, ok := s.namespaces[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	switch u.Kind {
	case namespace.UpdateRoleChanged:
		t.role = u.Role.String()
		t.level = u.Level
	case namespace.UpdateRegistryChanged:
		t.peers = len(u.Peers)
	}
	s.mu.Unlock()
}

// ListenAndServe starts the admin server. The address must be loopback:
// this surface has no auth of its own.
func (s *Server) ListenAndServe() error {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	host, _, err := net.SplitHostPort(s.Addr)
	if err != nil {
		return fmt.Errorf("parse listen address: %w", err)
	}
	ip := net.ParseIP(host)
	if host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("admin server must bind to loopback address, got %s", host)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.ln = ln
	s.sem = make(chan struct{}, maxConns)
	s.Logger.Info("admin server listening", "addr", s.Addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		s.sem <- struct{}{}
		go func() {
			defer func() { <-s.sem }()
			s.handleConn(conn)
		}()
	}
}

// Close stops the admin server.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := fmt.Fprintln(conn, s.dispatch(line)); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(line string) string {
	fields := strings.SplitN(line, " ", 3)
	switch strings.ToUpper(fields[0]) {
	case "STATUS":
		return s.cmdStatus()
	case "CONTACTS":
		return s.cmdContacts()
	case "NAMESPACES":
		return s.cmdNamespaces()
	case "SEND":
		if len(fields) < 3 {
			return "ERR usage: SEND <persistentID> <text>"
		}
		return s.cmdSend(fields[1], fields[2])
	default:
		return "ERR unknown command"
	}
}

func (s *Server) cmdStatus() string {
	s.mu.Lock()
	nsCount := len(s.namespaces)
	s.mu.Unlock()
	contactCount := 0
	if s.Contacts != nil {
		contactCount = len(s.Contacts.All())
	}
	return fmt.Sprintf("OK namespaces=%d contacts=%d", nsCount, contactCount)
}

func (s *Server) cmdContacts() string {
	if s.Contacts == nil {
		return "OK"
	}
	contacts := s.Contacts.All()
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].PersistentID < contacts[j].PersistentID })
	var b strings.Builder
	b.WriteString("OK")
	for _, c := range contacts {
		fmt.Fprintf(&b, "\n%s\t%s\tonNetwork=%v", c.PersistentID, c.FriendlyName, c.OnNetwork)
	}
	return b.String()
}

func (s *Server) cmdNamespaces() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.namespaces))
	for name := range s.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("OK")
	for _, name := range names {
		t := s.namespaces[name]
		fmt.Fprintf(&b, "\n%s\trole=%s\tlevel=%d\tpeers=%d", name, t.role, t.level, t.peers)
	}
	return b.String()
}

func (s *Server) cmdSend(persistentID, text string) string {
	if s.Sessions == nil {
		return "ERR session manager not available"
	}
	s.Sessions.SendMessage(persistentID, text)
	return "OK"
}
