package launcher

import (
	"fmt"
	"sort"
)

const (
	RuntimeLocal  = "local"
	RuntimeDocker = "docker"
)

// Application is an entry of the application table.
type Application struct {
	Path    string   `yaml:"path" json:"path"`
	Args    []string `yaml:"args" json:"args,omitempty"`
	Env     []string `yaml:"env" json:"env,omitempty"`
	Dir     string   `yaml:"dir" json:"dir,omitempty"`
	Runtime string   `yaml:"runtime" json:"runtime,omitempty"`
	Image   string   `yaml:"image" json:"image,omitempty"`
}

// Table is the fixed set of applications clients may start, keyed by application key.
// Lookups are the only way a client-supplied key turns into an executable.
type Table map[string]Application

func (t Table) Lookup(key string) (Application, error) {
	app, ok := t[key]
	if !ok || key == "" {
		return Application{}, fmt.Errorf("%w: unknown application %q", ErrInvalidApplication, key)
	}
	return app, nil
}

// Keys returns the application keys in sorted order.
func (t Table) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks that every entry can be launched by one of the known runtimes.
func (t Table) Validate() error {
	for _, key := range t.Keys() {
		app := t[key]
		switch app.Runtime {
		case "", RuntimeLocal:
			if app.Path == "" {
				return fmt.Errorf("application %q: path is required", key)
			}
		case RuntimeDocker:
			if app.Path == "" && app.Image == "" {
				return fmt.Errorf("application %q: path or image is required", key)
			}
		default:
			return fmt.Errorf("application %q: unsupported runtime %q", key, app.Runtime)
		}
	}
	return nil
}
