package capability

import (
	"strconv"

	"gopkg.in/yaml.v3"
)

// document is the YAML shape of a Spec. It mirrors the directives accepted
// by ParseYAML so rendered output loads back to the same policy.
type document struct {
	User              string   `yaml:"user"`
	Workspace         string   `yaml:"workspace,omitempty"`
	Memory            string   `yaml:"memory,omitempty"`
	Processes         int      `yaml:"processes,omitempty"`
	Files             int      `yaml:"files,omitempty"`
	CPU               int      `yaml:"cpu,omitempty"`
	Network           []string `yaml:"network,omitempty"`
	NetworkDefault    string   `yaml:"network_default"`
	Filesystem        []string `yaml:"filesystem,omitempty"`
	FilesystemDefault string   `yaml:"filesystem_default"`
	Env               []string `yaml:"env,omitempty"`
	EnvClear          bool     `yaml:"env_clear"`
}

func policyName(deny bool) string {
	if deny {
		return "deny"
	}
	return "allow"
}

// YAML renders s as a YAML capability document.
func (s *Spec) YAML() ([]byte, error) {
	doc := document{
		User:              s.Identity.Username,
		Workspace:         s.WorkspacePath,
		Processes:         s.Limits.MaxProcesses,
		Files:             s.Limits.MaxFiles,
		CPU:               s.Limits.MaxCPUPercent,
		NetworkDefault:    policyName(s.NetworkDefaultDeny),
		FilesystemDefault: policyName(s.FSDefaultDeny),
		EnvClear:          s.EnvClear,
	}
	if s.Limits.MemoryBytes > 0 {
		doc.Memory = strconv.FormatUint(s.Limits.MemoryBytes, 10)
	}
	for _, r := range s.NetworkRules {
		doc.Network = append(doc.Network, r.String())
	}
	for _, r := range s.FileRules {
		doc.Filesystem = append(doc.Filesystem, r.String())
	}
	for _, e := range s.Env {
		doc.Env = append(doc.Env, e.Name+"="+e.Value)
	}
	return yaml.Marshal(&doc)
}
