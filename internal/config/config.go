// Package config loads the plain configuration struct described in §9:
// the daemon/client's listen address, negotiation defaults, and the
// collection list, parsed from a TOML file the way the teacher's
// rsyncd.Module struct is tagged for (internal/rsyncd/rsyncd.go), even
// though the teacher never wired an actual TOML parser to it.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/cvsync/cvsync/internal/cvhash"
	"github.com/cvsync/cvsync/internal/distfile"
)

// Family restricts which IP family a listener or dialer uses.
type Family string

const (
	FamilyAny Family = "any"
	FamilyV4  Family = "v4"
	FamilyV6  Family = "v6"
)

// Compress names the negotiated wire compression mode (§6).
type Compress string

const (
	CompressNone Compress = "none"
	CompressZlib Compress = "zlib"
)

// Rule is one distfile classification pattern (§3, `common/distfile.c`):
// rules are tried in list order and the first matching rule wins. Dir true
// matches the rule against the containing directory rather than the leaf
// name, for per-directory defaults.
type Rule struct {
	Pattern string `toml:"pattern"`
	Dir     bool   `toml:"dir"`
	Class   string `toml:"class"` // "allow", "deny", "nordiff"
}

// Collection is one server-side tree exposed for sync (§3).
type Collection struct {
	Name      string `toml:"name"`
	Release   string `toml:"release"` // "list" or "rcs"
	Prefix    string `toml:"prefix"`
	RPrefix   string `toml:"rprefix"`
	Umask     uint16 `toml:"umask"`
	ErrorMode string `toml:"errormode"` // "abort", "fixup", "ignore"
	Rules     []Rule `toml:"rules"`
}

// Config is the top-level struct loaded from a TOML file (§9).
type Config struct {
	Hostname string          `toml:"hostname"`
	Port     int             `toml:"port"`
	Family   Family          `toml:"family"`
	Compress Compress        `toml:"compress"`
	Hash     cvhash.Algorithm `toml:"hash"`

	Collections []Collection `toml:"collections"`
}

// Load reads and parses a Config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() error {
	if c.Family == "" {
		c.Family = FamilyAny
	}
	if c.Compress == "" {
		c.Compress = CompressNone
	}
	if c.Hash == "" {
		c.Hash = cvhash.MD5
	}
	for i := range c.Collections {
		col := &c.Collections[i]
		if col.Umask == 0 {
			col.Umask = 0o022
		}
		if col.ErrorMode == "" {
			col.ErrorMode = "abort"
		}
		if col.Prefix == "" {
			return fmt.Errorf("config: collection %q missing prefix", col.Name)
		}
	}
	return nil
}

// Find returns the named collection, case-insensitively (§4.3: "client's
// chosen collection must case-insensitively equal server's").
func (c *Config) Find(name string) (Collection, bool) {
	for _, col := range c.Collections {
		if equalFold(col.Name, name) {
			return col, true
		}
	}
	return Collection{}, false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Policy compiles a Collection's rules into a distfile.Policy (§4.7).
func (col Collection) Policy() (*distfile.Policy, error) {
	rules := make([]distfile.Rule, 0, len(col.Rules))
	for _, r := range col.Rules {
		class, err := parseClass(r.Class)
		if err != nil {
			return nil, fmt.Errorf("config: collection %q: %w", col.Name, err)
		}
		rules = append(rules, distfile.Rule{Pattern: r.Pattern, Dir: r.Dir, Class: class})
	}
	return distfile.NewPolicy(rules), nil
}

func parseClass(s string) (distfile.Class, error) {
	switch s {
	case "allow":
		return distfile.Allow, nil
	case "deny":
		return distfile.Deny, nil
	case "nordiff":
		return distfile.NoRdiff, nil
	default:
		return 0, fmt.Errorf("unknown distfile class %q", s)
	}
}
