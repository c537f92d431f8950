// Package envprov builds the process environment for executors: the ambient
// environment plus the virtual display, the X authority file and optional
// session overrides (for example a DBus session address exported by the desktop).
package envprov

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	logx "autoflow/pkg/logx"
)

const DefaultDisplay = ":1"

type Config struct {
	Display    string
	XAuthority string
	// SessionFile holds a single `export KEY='VALUE'` line. Optional.
	SessionFile string
}

type Provisioner struct {
	cfg Config
	log logx.Logger

	// environ is os.Environ, replaceable in tests.
	environ func() []string
}

func New(cfg Config, log logx.Logger) *Provisioner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Display) == "" {
		cfg.Display = DefaultDisplay
	}
	if strings.TrimSpace(cfg.XAuthority) == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.XAuthority = filepath.Join(home, ".Xauthority")
		}
	}
	return &Provisioner{cfg: cfg, log: log.With(logx.Comp("envprov")), environ: os.Environ}
}

// Build returns a fresh KEY=VALUE slice. It never fails: override problems are
// logged and the defaults are used.
func (p *Provisioner) Build() []string {
	env := newEnvSet(p.environ())
	env.set("DISPLAY", p.cfg.Display)
	if p.cfg.XAuthority != "" {
		env.set("XAUTHORITY", p.cfg.XAuthority)
	}

	if path := strings.TrimSpace(p.cfg.SessionFile); path != "" {
		key, val, err := ReadSessionFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			p.log.Debug("session file missing; using defaults", logx.String("path", path))
		case err != nil:
			p.log.Warn("session file ignored", logx.String("path", path), logx.Err(err))
		default:
			env.set(key, val)
		}
	}
	return env.list()
}

var exportLine = regexp.MustCompile(`^\s*(?:export\s+)?([A-Za-z_][A-Za-z0-9_]*)=(?:'([^']*)'|"([^"]*)"|([^\s'";]*))\s*;?\s*$`)

// ReadSessionFile parses the first non-empty, non-comment line of path as
// `export KEY='VALUE'`.
func ReadSessionFile(path string) (key, value string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return ParseExportLine(line)
	}
	if err := sc.Err(); err != nil {
		return "", "", err
	}
	return "", "", fmt.Errorf("session file %s: no export line", path)
}

func ParseExportLine(line string) (key, value string, err error) {
	m := exportLine.FindStringSubmatch(line)
	if m == nil {
		return "", "", fmt.Errorf("malformed export line %q", line)
	}
	key = m[1]
	switch {
	case m[2] != "":
		value = m[2]
	case m[3] != "":
		value = m[3]
	default:
		value = m[4]
	}
	return key, value, nil
}

// envSet keeps the first-seen order of keys so the output is stable.
type envSet struct {
	keys []string
	vals map[string]string
}

func newEnvSet(base []string) *envSet {
	e := &envSet{vals: make(map[string]string, len(base)+4)}
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		e.set(k, v)
	}
	return e
}

func (e *envSet) set(k, v string) {
	if _, ok := e.vals[k]; !ok {
		e.keys = append(e.keys, k)
	}
	e.vals[k] = v
}

func (e *envSet) list() []string {
	out := make([]string, 0, len(e.keys))
	for _, k := range e.keys {
		out = append(out, k+"="+e.vals[k])
	}
	return out
}

// Lookup returns the value of key in a KEY=VALUE slice.
func Lookup(env []string, key string) (string, bool) {
	prefix := key + "="
	for i := len(env) - 1; i >= 0; i-- {
		if strings.HasPrefix(env[i], prefix) {
			return env[i][len(prefix):], true
		}
	}
	return "", false
}
