// Package control implements the process-wide name → (setter, getter)
// variable registry of spec.md §4.6, grounded on the original source's
// control.cpp/hpp, plus the HTTP surface that exposes it.
package control

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bittorrent/helix/pkg/log"
)

var logger = log.NewLogger("control")

// ErrUnknownVariable is returned when a caller names a variable that was
// never registered.
var ErrUnknownVariable = fmt.Errorf("control: unknown variable")

// Setter applies a sequence of string arguments to a variable. It returns
// an error on a parse failure; Registry never panics on malformed input.
type Setter func(args []string) error

// Getter renders a variable's current value as a single string.
type Getter func() string

type entry struct {
	set Setter
	get Getter
}

// Registry is the process-wide control-variable table. A single instance
// is shared by the control HTTP handlers and config-file loader.
type Registry struct {
	mu   sync.RWMutex
	vars map[string]entry
}

// New allocates an empty Registry.
func New() *Registry {
	return &Registry{vars: make(map[string]entry)}
}

// Add registers name with the given setter/getter pair. Re-registering the
// same name replaces its accessors.
func (r *Registry) Add(name string, set Setter, get Getter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vars[name] = entry{set: set, get: get}
}

// AddBool registers a bool-backed variable at p, accepting
// "true"|"false"|"1"|"0" (spec.md §4.6).
func (r *Registry) AddBool(name string, p *bool) {
	r.Add(name, func(args []string) error {
		v, err := parseBool(firstArg(args))
		if err != nil {
			return err
		}
		*p = v
		return nil
	}, func() string {
		return strconv.FormatBool(*p)
	})
}

// AddInt registers an int-backed variable at p, accepting lexical integer
// syntax (spec.md §4.6).
func (r *Registry) AddInt(name string, p *int) {
	r.Add(name, func(args []string) error {
		v, err := strconv.Atoi(firstArg(args))
		if err != nil {
			return fmt.Errorf("control: invalid int for %q: %w", name, err)
		}
		*p = v
		return nil
	}, func() string {
		return strconv.Itoa(*p)
	})
}

// AddString registers a string-backed variable at p.
func (r *Registry) AddString(name string, p *string) {
	r.Add(name, func(args []string) error {
		*p = firstArg(args)
		return nil
	}, func() string {
		return *p
	})
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func parseBool(s string) (bool, error) {
	switch s {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("control: invalid bool %q", s)
	}
}

// Set applies args to the named variable. Unknown names and parse errors
// are both reported back to the caller (spec.md §6: "Unknown names → 400.
// Parse errors → 400.").
func (r *Registry) Set(name string, args []string) error {
	r.mu.RLock()
	e, ok := r.vars[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVariable, name)
	}
	return e.set(args)
}

// Get renders the named variable's current value, or ErrUnknownVariable.
func (r *Registry) Get(name string) (string, error) {
	r.mu.RLock()
	e, ok := r.vars[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownVariable, name)
	}
	return e.get(), nil
}

// Dump renders every registered variable as "name = value", sorted by name
// (spec.md §6: "/control GET: Text dump of variable names and current
// values, sorted.").
func (r *Registry) Dump() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.vars))
	for name := range r.vars {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s = %s\n", name, r.vars[name].get())
	}
	return b.String()
}

// ReadFile loads "key: value" lines from path, applying each as a Set
// call. Blank lines and lines starting with '#' are ignored; ordering in
// the file is preserved and later lines override earlier ones for the
// same key (spec.md §4.6 "Config files use key: value lines, # comments,
// preserved ordering.").
func (r *Registry) ReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lineNo int
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			logger.Warn().Int("line", lineNo).Str("content", line).Msg("malformed config line, skipping")
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := r.Set(key, strings.Fields(value)); err != nil {
			logger.Warn().Int("line", lineNo).Str("key", key).Err(err).Msg("config line rejected")
		}
	}
	return scanner.Err()
}
