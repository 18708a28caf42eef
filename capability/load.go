package capability

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load errors. Both wrap ErrConfig.
var (
	ErrConfig     = errors.New("capability configuration error")
	ErrNotFound   = fmt.Errorf("%w: file not found", ErrConfig)
	ErrUnreadable = fmt.Errorf("%w: file unreadable", ErrConfig)
)

// Diagnostic is a non-fatal problem with one capability entry. The entry is
// skipped and loading continues.
type Diagnostic struct {
	Line    int
	Key     string
	Message string
}

func (d Diagnostic) String() string {
	if d.Key == "" {
		return fmt.Sprintf("line %d: %s", d.Line, d.Message)
	}
	return fmt.Sprintf("line %d: %s: %s", d.Line, d.Key, d.Message)
}

// Diagnostics collects per-entry problems found while loading.
type Diagnostics []Diagnostic

// Strings returns the diagnostics formatted for display.
func (d Diagnostics) Strings() []string {
	out := make([]string, 0, len(d))
	for _, diag := range d {
		out = append(out, diag.String())
	}
	return out
}

// Load reads a capability file. Files ending in .yaml or .yml are decoded as
// a YAML mapping of the same directives; anything else uses the line grammar.
// Only a missing or unreadable file is an error, malformed entries end up in
// the returned Diagnostics.
func Load(path string) (*Spec, Diagnostics, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(f)
	default:
		return Parse(f)
	}
}

// MaxLineLength bounds a line of the line grammar. Longer lines are skipped
// with a diagnostic.
const MaxLineLength = 4096

// Parse reads the line grammar: one "key: value" directive per line, '#'
// comments and blank lines ignored.
func Parse(r io.Reader) (*Spec, Diagnostics, error) {
	b := newBuilder()
	br := bufio.NewReader(r)
	lineNum := 0
	for {
		raw, truncated, err := readLine(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
		}
		lineNum++
		if truncated {
			b.warn(lineNum, "", fmt.Sprintf("line too long (limit %d bytes), ignored", MaxLineLength))
			continue
		}
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			b.warn(lineNum, "", fmt.Sprintf("invalid syntax %q", line))
			continue
		}
		b.apply(lineNum, strings.TrimSpace(key), strings.TrimSpace(value))
	}
	return b.spec, b.diags, nil
}

// readLine returns the next line without its terminator. Bytes past
// MaxLineLength are consumed and dropped, and truncated reports that.
func readLine(br *bufio.Reader) (string, bool, error) {
	var buf []byte
	truncated := false
	for {
		chunk, more, err := br.ReadLine()
		if err != nil {
			if err == io.EOF && (len(buf) > 0 || truncated) {
				return string(buf), truncated, nil
			}
			return "", false, err
		}
		if !truncated {
			if len(buf)+len(chunk) > MaxLineLength {
				truncated = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if !more {
			return string(buf), truncated, nil
		}
	}
}

// ParseYAML reads a YAML mapping whose keys are the line-grammar directives.
// Repeatable directives (network, filesystem, env) may be given as a
// sequence.
func ParseYAML(r io.Reader) (*Spec, Diagnostics, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Default(), nil, nil
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	b := newBuilder()
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, nil, fmt.Errorf("%w: top level must be a mapping", ErrUnreadable)
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		keyNode, valueNode := root.Content[i], root.Content[i+1]
		switch valueNode.Kind {
		case yaml.ScalarNode:
			b.apply(valueNode.Line, keyNode.Value, valueNode.Value)
		case yaml.SequenceNode:
			for _, item := range valueNode.Content {
				if item.Kind != yaml.ScalarNode {
					b.warn(item.Line, keyNode.Value, "sequence items must be scalars")
					continue
				}
				b.apply(item.Line, keyNode.Value, item.Value)
			}
		default:
			b.warn(keyNode.Line, keyNode.Value, "value must be a scalar or a sequence")
		}
	}
	return b.spec, b.diags, nil
}

type builder struct {
	spec  *Spec
	diags Diagnostics
}

func newBuilder() *builder {
	return &builder{spec: Default()}
}

func (b *builder) warn(line int, key, msg string) {
	b.diags = append(b.diags, Diagnostic{Line: line, Key: key, Message: msg})
}

//nolint:gocyclo // one case per directive
func (b *builder) apply(line int, key, value string) {
	s := b.spec
	switch key {
	case "user":
		if value == "" {
			b.warn(line, key, "empty username")
			return
		}
		s.Identity.Username = value
		s.Identity.CreateUser = value == AutoUser

	case "workspace":
		if !filepath.IsAbs(value) {
			b.warn(line, key, fmt.Sprintf("workspace %q is not an absolute path", value))
			return
		}
		s.WorkspacePath = filepath.Clean(value)

	case "memory":
		bytes, err := ParseMemory(value)
		if err != nil {
			b.warn(line, key, err.Error())
			return
		}
		s.Limits.MemoryBytes = bytes

	case "processes", "files", "cpu":
		n, err := parseCount(value)
		if err != nil {
			b.warn(line, key, err.Error())
			return
		}
		switch key {
		case "processes":
			s.Limits.MaxProcesses = n
		case "files":
			s.Limits.MaxFiles = n
		default:
			s.Limits.MaxCPUPercent = n
		}

	case "network":
		if len(s.NetworkRules) >= MaxNetworkRules {
			b.warn(line, key, fmt.Sprintf("more than %d network rules, entry dropped", MaxNetworkRules))
			return
		}
		rule, err := ParseNetworkRule(value)
		if err != nil {
			b.warn(line, key, err.Error())
			return
		}
		s.NetworkRules = append(s.NetworkRules, rule)

	case "filesystem", "file":
		if len(s.FileRules) >= MaxFileRules {
			b.warn(line, key, fmt.Sprintf("more than %d file rules, entry dropped", MaxFileRules))
			return
		}
		rule, err := ParseFileRule(value)
		if err != nil {
			b.warn(line, key, err.Error())
			return
		}
		s.FileRules = append(s.FileRules, rule)

	case "env":
		if len(s.Env) >= MaxEnvVars {
			b.warn(line, key, fmt.Sprintf("more than %d env vars, entry dropped", MaxEnvVars))
			return
		}
		env, err := ParseEnvVar(value)
		if err != nil {
			b.warn(line, key, err.Error())
			return
		}
		s.Env = append(s.Env, env)

	case "network_default", "filesystem_default":
		deny, err := parseDefault(value)
		if err != nil {
			b.warn(line, key, err.Error())
			return
		}
		if key == "network_default" {
			s.NetworkDefaultDeny = deny
		} else {
			s.FSDefaultDeny = deny
		}

	case "env_clear":
		envClear, err := parseBool(value)
		if err != nil {
			b.warn(line, key, err.Error())
			return
		}
		s.EnvClear = envClear

	default:
		b.warn(line, key, "unknown capability")
	}
}
