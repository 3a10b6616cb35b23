// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package route

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/absmach/tlstunnel/pkg/channel"
	"gopkg.in/yaml.v3"
)

// ErrInvalidRoute indicates a malformed route file.
var ErrInvalidRoute = errors.New("invalid route")

// Route maps a server name to a backend and, optionally, a certificate.
type Route struct {
	// Name is the SNI hostname, or a wildcard such as "*.example.com"
	Name string `yaml:"name"`

	// Backend is the host:port connections are relayed to
	Backend string `yaml:"backend"`

	// CertFile and KeyFile hold the PEM certificate served for Name
	CertFile string `yaml:"cert,omitempty"`
	KeyFile  string `yaml:"key,omitempty"`
}

// File is the on-disk route table.
type File struct {
	Routes []Route `yaml:"routes"`

	// Default serves clients whose server name matches no route, including
	// clients sending no SNI at all. Its Name is ignored.
	Default *Route `yaml:"default,omitempty"`

	// CertDir holds <name>.crt and <name>.key pairs for routes without
	// their own certificate.
	CertDir string `yaml:"cert_dir,omitempty"`
}

// Parse decodes and validates a route file.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRoute, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks that f defines at least one route and that every route
// has a name, a host:port backend and a complete certificate pair.
func (f *File) Validate() error {
	if len(f.Routes) == 0 && f.Default == nil {
		return fmt.Errorf("%w: no routes defined", ErrInvalidRoute)
	}
	seen := make(map[string]bool)
	for i, r := range f.Routes {
		name := normalize(r.Name)
		if name == "" {
			return fmt.Errorf("%w: route %d has no name", ErrInvalidRoute, i)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate route %q", ErrInvalidRoute, r.Name)
		}
		seen[name] = true
		if err := r.validate(); err != nil {
			return err
		}
	}
	if f.Default != nil {
		return f.Default.validate()
	}
	return nil
}

func (r Route) validate() error {
	if _, _, err := net.SplitHostPort(r.Backend); err != nil {
		return fmt.Errorf("%w: route %q backend %q: %w", ErrInvalidRoute, r.Name, r.Backend, err)
	}
	if (r.CertFile == "") != (r.KeyFile == "") {
		return fmt.Errorf("%w: route %q needs both cert and key", ErrInvalidRoute, r.Name)
	}
	return nil
}

type entry struct {
	route Route
	tls   *tls.Config
}

// Table resolves backends and TLS configurations by server name. It is safe
// for concurrent use and may be replaced atomically while serving.
type Table struct {
	mu      sync.RWMutex
	exact   map[string]*entry
	def     *entry
	certDir *CertDir
	routes  []Route
}

var _ channel.ConfigProvider = (*Table)(nil)

// Load reads, validates and loads the route file at path. Relative
// certificate paths are resolved against the file's directory.
func Load(path string) (*Table, error) {
	t := &Table{}
	if err := t.Reload(path); err != nil {
		return nil, err
	}
	return t, nil
}

// New builds a table from f, resolving relative paths against baseDir.
func New(f *File, baseDir string) (*Table, error) {
	t := &Table{}
	if err := t.Replace(f, baseDir); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload re-reads path and replaces the table contents. On error the
// previous contents stay in place.
func (t *Table) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	f, err := Parse(data)
	if err != nil {
		return err
	}
	return t.Replace(f, filepath.Dir(path))
}

// Replace swaps in the routes of f once all their certificates are loaded.
func (t *Table) Replace(f *File, baseDir string) error {
	if err := f.Validate(); err != nil {
		return err
	}

	exact := make(map[string]*entry, len(f.Routes))
	for _, r := range f.Routes {
		e, err := newEntry(r, baseDir)
		if err != nil {
			return err
		}
		exact[normalize(r.Name)] = e
	}

	var def *entry
	if f.Default != nil {
		var err error
		if def, err = newEntry(*f.Default, baseDir); err != nil {
			return err
		}
	}

	var certDir *CertDir
	if f.CertDir != "" {
		certDir = NewCertDir(resolvePath(baseDir, f.CertDir), 0)
	}

	routes := append([]Route(nil), f.Routes...)
	sort.Slice(routes, func(i, j int) bool { return routes[i].Name < routes[j].Name })

	t.mu.Lock()
	defer t.mu.Unlock()
	t.exact, t.def, t.certDir, t.routes = exact, def, certDir, routes
	return nil
}

func newEntry(r Route, baseDir string) (*entry, error) {
	e := &entry{route: r}
	if r.CertFile == "" {
		return e, nil
	}
	cert, err := tls.LoadX509KeyPair(resolvePath(baseDir, r.CertFile), resolvePath(baseDir, r.KeyFile))
	if err != nil {
		return nil, fmt.Errorf("route %q: %w", r.Name, err)
	}
	e.tls = &tls.Config{Certificates: []tls.Certificate{cert}}
	return e, nil
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
}

// lookup returns the route matching name exactly, then by wildcard on the
// first label, then the default route.
func (t *Table) lookup(name string, ok bool) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if ok {
		name = normalize(name)
		if e, found := t.exact[name]; found {
			return e
		}
		if i := strings.IndexByte(name, '.'); i > 0 {
			if e, found := t.exact["*"+name[i:]]; found {
				return e
			}
		}
	}
	return t.def
}

// Backend returns the backend for a server name, or "" when no route matches.
func (t *Table) Backend(serverName string, ok bool) string {
	if e := t.lookup(serverName, ok); e != nil {
		return e.route.Backend
	}
	return ""
}

// Resolve implements the relay resolver contract.
func (t *Table) Resolve(_ context.Context, front channel.Channel) (string, error) {
	name, ok := front.ServerName()
	return t.Backend(name, ok), nil
}

// ConfigFor returns the TLS configuration for a server name: the matching
// route's own certificate, then the certificate directory, then the default
// route's certificate.
func (t *Table) ConfigFor(serverName string, ok bool) *tls.Config {
	e := t.lookup(serverName, ok)
	if e != nil && e.tls != nil {
		return e.tls
	}

	t.mu.RLock()
	certDir, def := t.certDir, t.def
	t.mu.RUnlock()

	if certDir != nil && ok {
		if cfg := certDir.ConfigFor(serverName, ok); cfg != nil {
			return cfg
		}
	}
	if def != nil {
		return def.tls
	}
	return nil
}

// Routes returns the configured routes sorted by name.
func (t *Table) Routes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Route(nil), t.routes...)
}

// Default returns the default route, if any.
func (t *Table) Default() (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.def == nil {
		return Route{}, false
	}
	return t.def.route, true
}
