// Package config loads the YAML configuration of a process, merges config
// directories and reloads on SIGHUP.
package config

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

type C struct {
	path        string
	files       []string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load reads path, which is either a file or a directory. All yaml files in
// a directory are merged in lexical order, later files win.
func (c *C) Load(path string) error {
	files, err := resolve(path, true)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no config files found at %s", path)
	}
	slices.Sort(files)

	m, err := parseFiles(files)
	if err != nil {
		return err
	}

	c.path = path
	c.files = files
	c.Settings = m
	return nil
}

func (c *C) LoadString(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("empty configuration")
	}

	m, err := parseRaw([]byte(raw))
	if err != nil {
		return err
	}
	c.Settings = m
	return nil
}

// Files returns the files read by the last Load.
func (c *C) Files() []string {
	return c.files
}

// RegisterReloadCallback stores a function to be called after a successful
// reload. Callbacks should use HasChanged to decide whether they have work to
// do, and must return quickly.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// InitialLoad returns true if the config was not reloaded yet.
func (c *C) InitialLoad() bool {
	return c.oldSettings == nil
}

// HasChanged reports whether k differs between the settings before and after
// the last reload. An empty k compares everything. Values are compared by
// their yaml serialization.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	var nv, ov any
	if k == "" {
		nv = c.Settings
		ov = c.oldSettings
		k = "all settings"
	} else {
		nv = get(k, c.Settings)
		ov = get(k, c.oldSettings)
	}

	newVals, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling new config")
	}

	oldVals, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling old config")
	}

	return string(newVals) != string(oldVals)
}

// CatchHUP reloads the config from the path given to Load whenever the process
// receives SIGHUP, until ctx is done.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

// ReloadConfig loads the config again from the path given to Load and runs
// the reload callbacks. On failure the current settings are kept.
func (c *C) ReloadConfig() {
	err := c.reload(func() error { return c.Load(c.path) })
	if err != nil {
		c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
	}
}

// ReloadConfigString replaces the settings with raw and runs the reload
// callbacks.
func (c *C) ReloadConfigString(raw string) error {
	return c.reload(func() error { return c.LoadString(raw) })
}

func (c *C) reload(load func() error) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	old := maps.Clone(c.Settings)
	if err := load(); err != nil {
		return err
	}
	c.oldSettings = old

	for _, f := range c.callbacks {
		f(c)
	}
	return nil
}

func parseRaw(b []byte) (map[string]any, error) {
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = make(map[string]any)
	}
	return m, nil
}

func parseFiles(files []string) (map[string]any, error) {
	var m map[string]any
	for _, path := range files {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		nm, err := parseRaw(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		// Merge what we have so far into the newer file, keeping the newer
		// values.
		if err := mergo.Merge(&nm, m, mergo.WithAppendSlice); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		m = nm
	}
	return m, nil
}
