package agentconfig

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Parse decodes a YAML or JSON agent document and validates it.
func Parse(data []byte) (*AgentConfig, error) {
	var cfg AgentConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode agent config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads one agent document from disk.
func LoadFile(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func isConfigFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}

// LoadDir reads every .yaml, .yml and .json file in dir, sorted by name.
// Duplicate agent ids are an error.
func LoadDir(dir string) ([]*AgentConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read agent config dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && isConfigFile(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	seen := make(map[string]string, len(names))
	configs := make([]*AgentConfig, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		cfg, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if prior, dup := seen[cfg.AgentID]; dup {
			return nil, fmt.Errorf("agent '%s' defined in both %s and %s", cfg.AgentID, prior, name)
		}
		seen[cfg.AgentID] = name
		configs = append(configs, cfg)
	}
	return configs, nil
}

// FileProvider serves agent configs loaded from a directory.
type FileProvider struct {
	dir    string
	static atomic.Pointer[StaticProvider]
}

// NewFileProvider loads every agent document in dir.
func NewFileProvider(dir string) (*FileProvider, error) {
	p := &FileProvider{dir: dir}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the directory. On error the previous configs stay in place.
func (p *FileProvider) Reload() error {
	configs, err := LoadDir(p.dir)
	if err != nil {
		return err
	}
	static, err := NewStaticProvider(configs...)
	if err != nil {
		return err
	}
	p.static.Store(static)
	return nil
}

// AgentIDs returns every loaded agent id.
func (p *FileProvider) AgentIDs() []string {
	ids := p.static.Load().AgentIDs()
	sort.Strings(ids)
	return ids
}

// GetAgentConfig implements Provider.
func (p *FileProvider) GetAgentConfig(ctx context.Context, agentID string) (*AgentConfig, error) {
	return p.static.Load().GetAgentConfig(ctx, agentID)
}

var _ Provider = (*FileProvider)(nil)
