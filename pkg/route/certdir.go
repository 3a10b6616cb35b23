// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package route

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/absmach/tlstunnel/pkg/channel"
	"github.com/patrickmn/go-cache"
)

const (
	defaultCertTTL = 10 * time.Minute
	missingCertTTL = time.Minute
)

// CertDir serves certificates stored as <name>.crt and <name>.key in a
// directory. Loaded pairs are cached, and so are misses for a shorter time.
type CertDir struct {
	dir   string
	cache *cache.Cache
}

var _ channel.ConfigProvider = (*CertDir)(nil)

// NewCertDir creates a provider reading from dir. A zero ttl selects ten minutes.
func NewCertDir(dir string, ttl time.Duration) *CertDir {
	if ttl <= 0 {
		ttl = defaultCertTTL
	}
	return &CertDir{
		dir:   dir,
		cache: cache.New(ttl, 2*ttl),
	}
}

// ConfigFor returns the configuration for serverName, falling back to the
// wildcard pair "_.<parent>" when no exact pair exists.
func (d *CertDir) ConfigFor(serverName string, ok bool) *tls.Config {
	name := normalize(serverName)
	if !ok || !validFileName(name) {
		return nil
	}

	if cached, found := d.cache.Get(name); found {
		cfg, _ := cached.(*tls.Config)
		return cfg
	}

	cfg := d.load(name)
	if cfg == nil {
		if i := strings.IndexByte(name, '.'); i > 0 {
			cfg = d.load("_" + name[i:])
		}
	}
	if cfg == nil {
		d.cache.Set(name, nil, missingCertTTL)
		return nil
	}
	d.cache.Set(name, cfg, cache.DefaultExpiration)
	return cfg
}

func (d *CertDir) load(base string) *tls.Config {
	certFile := filepath.Join(d.dir, base+".crt")
	keyFile := filepath.Join(d.dir, base+".key")
	if _, err := os.Stat(certFile); err != nil {
		return nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

// Flush drops every cached certificate and miss.
func (d *CertDir) Flush() {
	d.cache.Flush()
}

// Cached returns the number of cached entries.
func (d *CertDir) Cached() int {
	return d.cache.ItemCount()
}

func validFileName(name string) bool {
	return name != "" && !strings.ContainsAny(name, `/\`) && !strings.HasPrefix(name, ".")
}
