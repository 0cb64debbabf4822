package env

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Layers composes the environment handed to the backend process.
// Precedence, lowest first: OS environment (when UseOS), then each env file in
// order, then Vars ("K=V"). Values may reference ${VAR} from any layer.
type Layers struct {
	UseOS bool
	Files []string
	Vars  []string
	// Extra is applied last; the host uses it for variables it injects itself.
	Extra []string
}

// Build returns the merged environment as sorted "K=V" pairs.
func (l Layers) Build() ([]string, error) {
	m := make(map[string]string)
	if l.UseOS {
		mergePairs(m, os.Environ())
	}
	for _, f := range l.Files {
		pairs, err := ParseFile(f)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	mergePairs(m, l.Vars)
	mergePairs(m, l.Extra)

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+Expand(v, m))
	}
	sort.Strings(out)
	return out, nil
}

func mergePairs(m map[string]string, kvs []string) {
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
}

// Expand replaces ${VAR} and $VAR references using m, falling back to an
// empty string for unknown names. No recursive expansion is performed.
func Expand(s string, m map[string]string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}

// ParseFile reads a dotenv style file: KEY=VALUE lines, optional leading
// "export ", '#' comments, and single or double quoted values.
func ParseFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	f, err := os.Open(clean)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer func() { _ = f.Close() }()

	m := make(map[string]string)
	s := bufio.NewScanner(f)
	n := 0
	for s.Scan() {
		n++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			return nil, fmt.Errorf("%s:%d: expected KEY=VALUE", clean, n)
		}
		k := strings.TrimSpace(line[:i])
		m[k] = unquote(strings.TrimSpace(line[i+1:]))
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	return m, nil
}

func unquote(v string) string {
	if n := len(v); n >= 2 {
		if (v[0] == '"' && v[n-1] == '"') || (v[0] == '\'' && v[n-1] == '\'') {
			return v[1 : n-1]
		}
	}
	// strip trailing inline comment on unquoted values
	if i := strings.Index(v, " #"); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	return v
}
