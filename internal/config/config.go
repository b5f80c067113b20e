// Package config adapts github.com/magiconair/properties into the typed
// accessors the transport detector and UCS wire core need: prefix walks
// over `<prefix>.<id>.*` key families, duration/size suffixes, and
// regex-valued keys.
package config

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/magiconair/properties"

	vsm "github.com/sensyn-robotics/vsm-go"
)

// Config wraps a loaded properties file.
type Config struct {
	props *properties.Properties
}

// Load reads a Properties file from path.
func Load(path string) (*Config, error) {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return nil, vsm.Wrap("config", "Load", err)
	}
	return &Config{props: p}, nil
}

// Empty returns a Config backed by an empty property set, used when the
// configuration file cannot be loaded and the caller wants defaults only.
func Empty() *Config {
	return &Config{props: properties.NewProperties()}
}

// String returns the string value for key, or def if absent.
func (c *Config) String(key, def string) string {
	return c.props.GetString(key, def)
}

// Int returns the integer value for key, or def if absent/unparseable.
func (c *Config) Int(key string, def int) int {
	return c.props.GetInt(key, def)
}

// Bool returns the boolean value for key, or def if absent.
func (c *Config) Bool(key string, def bool) bool {
	return c.props.GetBool(key, def)
}

// Regexp compiles the regex at key; returns nil, false if the key is
// absent. A malformed pattern is a Parse error, so bad configuration
// aborts startup rather than silently matching nothing.
func (c *Config) Regexp(key string) (*regexp.Regexp, bool, error) {
	raw, ok := c.props.Get(key)
	if !ok {
		return nil, false, nil
	}
	re, err := regexp.Compile(raw)
	if err != nil {
		return nil, false, vsm.New("config", "Regexp", vsm.KindParse, fmt.Sprintf("%s: %v", key, err))
	}
	return re, true, nil
}

// Size parses a byte count at key honoring K/M/G suffixes (base 1024),
// e.g. "64M" -> 67108864. Absent keys return def.
func (c *Config) Size(key string, def int64) (int64, error) {
	raw, ok := c.props.Get(key)
	if !ok {
		return def, nil
	}
	return ParseSize(raw)
}

// Duration parses a plain integer number of seconds at key. Absent keys
// return def.
func (c *Config) Duration(key string, def time.Duration) time.Duration {
	secs, ok := c.props.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(secs)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}

// ParseSize parses a K/M/G-suffixed byte count.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, vsm.New("config", "ParseSize", vsm.KindParse, "empty size")
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'K', 'k':
		mult = 1024
		s = s[:len(s)-1]
	case 'M', 'm':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'G', 'g':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, vsm.New("config", "ParseSize", vsm.KindParse, err.Error())
	}
	return n * mult, nil
}

// SubIDs returns the sorted set of distinct "<id>" path segments
// immediately under prefix, i.e. every key matching
// "<prefix>.<id>.*" or "<prefix>.<id>" contributes its <id> once.
// This walks `<p>.<id>.*` key families as described for the transport
// detector and service-discovery advertisement blocks.
func (c *Config) SubIDs(prefix string) []string {
	seen := make(map[string]bool)
	want := prefix + "."
	for _, k := range c.props.Keys() {
		if !strings.HasPrefix(k, want) {
			continue
		}
		rest := k[len(want):]
		id := rest
		if idx := strings.IndexByte(rest, '.'); idx >= 0 {
			id = rest[:idx]
		}
		if id != "" {
			seen[id] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Ints returns every value at keys "<key>.<n>" for n = 1, 2, 3, ... until
// a gap, plus the bare "<key>" itself if present -- matching the
// `<id>.baud[.<n>]` repeated-key convention.
func (c *Config) Ints(key string) []int {
	var out []int
	if v, ok := c.props.Get(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			out = append(out, n)
		}
	}
	for n := 1; ; n++ {
		v, ok := c.props.Get(fmt.Sprintf("%s.%d", key, n))
		if !ok {
			break
		}
		if iv, err := strconv.Atoi(v); err == nil {
			out = append(out, iv)
		}
	}
	return out
}

// Has reports whether key is present in the backing property set.
func (c *Config) Has(key string) bool {
	_, ok := c.props.Get(key)
	return ok
}
