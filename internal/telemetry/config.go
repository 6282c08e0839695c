package telemetry

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/udptunnel/udptunnel/internal/acl"
)

// configPathEnv lets the config path be set without a flag, mirroring
// moto/config/setting.go's MOTO_CONFIG override of setting.json's path.
const configPathEnv = "UDPTUNNEL_CONFIG"

// FileConfig is the optional JSON side-file, loaded the way
// moto/config/setting.go loads setting.json: CLI flags always override
// whatever this file provides.
type FileConfig struct {
	Log struct {
		Level int    `json:"level"`
		Path  string `json:"path"`
	} `json:"log"`
	ACLRules []string `json:"acl_rules"`
}

// ResolveConfigPath picks the path LoadFileConfig should read: an explicit
// -config flag always wins, otherwise UDPTUNNEL_CONFIG is tried. An empty
// result means no config file was configured at all, which is not an error.
func ResolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return os.Getenv(configPathEnv)
}

// LoadFileConfig reads and parses path, then runs the same default-value
// and verify pass moto/config/setting.go runs on each rule after unmarshal.
func LoadFileConfig(path string) (*FileConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: read config %q: %w", path, err)
	}

	var cfg FileConfig
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("telemetry: parse config %q: %w", path, err)
	}

	cfg.verify()
	return &cfg, nil
}

// verify fills in defaults and drops unusable entries, logging rather than
// failing the whole load — the same shape as setting.go's per-rule verify().
func (c *FileConfig) verify() {
	if c.Log.Level < 0 || c.Log.Level > 3 {
		fmt.Fprintf(os.Stderr, "config: log level %d out of range, defaulting to 1\n", c.Log.Level)
		c.Log.Level = 1
	}

	if len(c.ACLRules) == 0 {
		return
	}
	kept := c.ACLRules[:0]
	for i, raw := range c.ACLRules {
		if _, err := acl.Parse(raw); err != nil {
			fmt.Fprintf(os.Stderr, "config: verify acl rule failed at pos %d: %s\n", i, err)
			continue
		}
		kept = append(kept, raw)
	}
	c.ACLRules = kept
}
