package courier

import (
	"sort"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// ServiceInfo describes one named peer a process can connect to.
type ServiceInfo struct {
	Name        string
	Endpoint    Endpoint
	ReadTimeout time.Duration // zero means block indefinitely
}

// Registry maps service names to endpoints. It is typically populated from
// a configuration file at startup (LoadRegistry) and read for the rest of
// the process lifetime, but entries may be added at any time.
type Registry struct {
	mu       sync.RWMutex
	services map[string]ServiceInfo
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]ServiceInfo)}
}

// Register adds or replaces a service entry.
func (r *Registry) Register(info ServiceInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[info.Name] = info
}

// Lookup returns the entry for the named service.
func (r *Registry) Lookup(name string) (ServiceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.services[name]
	return info, ok
}

// Services returns the registered service names, sorted.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dial connects to the named service, applying its configured read timeout.
// Options passed here take precedence over the registry entry.
func (r *Registry) Dial(name string, opt ...Option) (*Client, error) {
	info, ok := r.Lookup(name)
	if !ok {
		return nil, errors.Errorf("service %q is not registered", name)
	}
	if info.ReadTimeout > 0 {
		opt = append([]Option{ReadTimeoutOption(info.ReadTimeout)}, opt...)
	}
	return Dial(info.Endpoint.Host, info.Endpoint.Port, opt...)
}

// registryFile is the on-disk shape:
//
//	[services.billing]
//	host = "10.0.0.5"
//	port = 7101
//	read_timeout_ms = 5000
type registryFile struct {
	Services map[string]serviceEntry `toml:"services"`
}

type serviceEntry struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	ReadTimeoutMS int    `toml:"read_timeout_ms"`
}

// LoadRegistry reads a TOML service-configuration file. Every entry needs a
// non-empty host and a port in 1..65535; a file that registers no services
// at all is an error.
func LoadRegistry(path string) (*Registry, error) {
	var file registryFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, errors.Wrapf(err, "load registry %s", path)
	}
	if len(file.Services) == 0 {
		return nil, errors.Errorf("registry %s: no services registered", path)
	}

	reg := NewRegistry()
	for name, entry := range file.Services {
		if entry.Host == "" {
			return nil, errors.Errorf("registry %s: service %q: host is required", path, name)
		}
		if entry.Port < 1 || entry.Port > 65535 {
			return nil, errors.Errorf("registry %s: service %q: port %d out of range", path, name, entry.Port)
		}
		if entry.ReadTimeoutMS < 0 {
			return nil, errors.Errorf("registry %s: service %q: negative read_timeout_ms", path, name)
		}
		reg.Register(ServiceInfo{
			Name:        name,
			Endpoint:    Endpoint{Host: entry.Host, Port: entry.Port},
			ReadTimeout: time.Duration(entry.ReadTimeoutMS) * time.Millisecond,
		})
	}
	return reg, nil
}
