// Package config loads repository-level settings consumed by the core (§6.5
// of the design: hash-policy, binary-glob, max-loadavg, omitsign, clearsign).
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	yaml "gopkg.in/yaml.v2"
)

// HashPolicy selects which hash family new artifacts are identified by.
type HashPolicy string

const (
	PolicyAuto HashPolicy = "auto"
	PolicySHA1 HashPolicy = "sha1"
	PolicySHA3 HashPolicy = "sha3"
)

const DefaultHashPolicy = PolicyAuto
const DefaultRailBudget = 64 // GR_MAX_RAIL

// Config holds the settings the core consults. Everything outside of this
// (transport, auth, skins, SMTP) is the caller's concern, per spec Non-goals.
type Config struct {
	HashPolicy  HashPolicy `yaml:"hash-policy"`
	BinaryGlobs []string   `yaml:"binary-glob"`
	MaxLoadAvg  float64    `yaml:"max-loadavg"` // opaque to the core; passed through
	OmitSign    bool       `yaml:"omitsign"`
	ClearSign   bool       `yaml:"clearsign"`
	RailBudget  int        `yaml:"rail-budget"`

	reBinary []*regexp.Regexp
}

// Unmarshal parses YAML bytes into a Config, applying defaults first.
func Unmarshal(raw []byte) (*Config, error) {
	cfg := &Config{
		HashPolicy: DefaultHashPolicy,
		RailBudget: DefaultRailBudget,
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v. make sure to use 'single quotes' around strings with special characters (like glob patterns)", err.Error())
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads a YAML config file from disk.
func LoadFile(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	cfg, err := Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.HashPolicy {
	case PolicyAuto, PolicySHA1, PolicySHA3:
	case "":
		c.HashPolicy = DefaultHashPolicy
	default:
		return fmt.Errorf("invalid hash-policy: %q", c.HashPolicy)
	}
	if c.RailBudget <= 0 {
		c.RailBudget = DefaultRailBudget
	}
	c.reBinary = make([]*regexp.Regexp, 0, len(c.BinaryGlobs))
	for _, g := range c.BinaryGlobs {
		re, err := globToRegexp(g)
		if err != nil {
			return fmt.Errorf("failed to parse binary-glob %q: %v", g, err)
		}
		c.reBinary = append(c.reBinary, re)
	}
	return nil
}

// IsBinaryPath reports whether path matches one of the binary-glob patterns.
func (c *Config) IsBinaryPath(path string) bool {
	for _, re := range c.reBinary {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func globToRegexp(glob string) (*regexp.Regexp, error) {
	re := regexp.QuoteMeta(glob)
	re = strings.ReplaceAll(re, `\*\*`, `.*`)
	re = strings.ReplaceAll(re, `\*`, `[^/]*`)
	re = strings.ReplaceAll(re, `\?`, `.`)
	return regexp.Compile("^" + re + "$")
}
