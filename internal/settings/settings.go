// Package settings persists the node's settings in a YAML file.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPath        = "./data/settings.yml"
	DefaultNodeIP      = "0.0.0.0"
	DefaultNodePort    = 25000
	DefaultConsoleNet  = "tcp"
	DefaultConsoleAddr = "127.0.0.1:25100"
)

type Node struct {
	ID        string `yaml:"id"`
	IP        string `yaml:"ip"`
	Port      int    `yaml:"port"`
	IPPub     string `yaml:"ipPub"`
	SSLKeyPub string `yaml:"sslKeyPub"` // base64
	SSLKeyPrv string `yaml:"sslKeyPrv"` // base64
}

type Console struct {
	Network string `yaml:"network"`
	Addr    string `yaml:"addr"`
}

// Data is the on-disk document.
type Data struct {
	FirstRun bool    `yaml:"firstRun"`
	Node     Node    `yaml:"node"`
	Console  Console `yaml:"console"`
}

// Default returns the settings of a node that has never run.
func Default() Data {
	return Data{
		FirstRun: true,
		Node: Node{
			IP:   DefaultNodeIP,
			Port: DefaultNodePort,
		},
		Console: Console{
			Network: DefaultConsoleNet,
			Addr:    DefaultConsoleAddr,
		},
	}
}

// Settings is the loaded file plus a dirty flag. Changes are only written
// by Save, and only when something changed.
type Settings struct {
	path    string
	Data    Data
	changed bool
}

// Load reads path. A missing file yields the defaults, marked as changed so
// the next Save creates it.
func Load(path string) (*Settings, error) {
	s := &Settings{path: path, Data: Default()}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.changed = true
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}

	if err := yaml.Unmarshal(raw, &s.Data); err != nil {
		return nil, fmt.Errorf("Load %s: %w", path, err)
	}
	return s, nil
}

func (s *Settings) Path() string {
	return s.path
}

func (s *Settings) IsFirstRun() bool {
	return s.Data.FirstRun
}

func (s *Settings) SetFirstRun(firstRun bool) {
	if s.Data.FirstRun != firstRun {
		s.Data.FirstRun = firstRun
		s.changed = true
	}
}

// SetPublicIP records the IP peers report seeing us at.
func (s *Settings) SetPublicIP(ip string) {
	if s.Data.Node.IPPub != ip {
		s.Data.Node.IPPub = ip
		s.changed = true
	}
}

func (s *Settings) PublicIP() string {
	return s.Data.Node.IPPub
}

// SetNode replaces the node section.
func (s *Settings) SetNode(n Node) {
	if s.Data.Node != n {
		s.Data.Node = n
		s.changed = true
	}
}

func (s *Settings) IsChanged() bool {
	return s.changed
}

func (s *Settings) SetChanged(changed bool) {
	s.changed = changed
}

// Save writes the file if anything changed since it was loaded or last
// saved. The file holds the private key and is created 0600.
func (s *Settings) Save() error {
	if !s.changed {
		return nil
	}

	raw, err := yaml.Marshal(&s.Data)
	if err != nil {
		return fmt.Errorf("Save: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("Save: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("Save: %w", err)
	}

	s.changed = false
	return nil
}
