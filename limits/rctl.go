package limits

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/isolate/capability"
)

// RuleSink installs and removes rctl(8) rules.
type RuleSink interface {
	AddRule(rule string) error
	// RemoveRules removes every rule matching filter.
	RemoveRules(filter string) error
}

// Rctl enforces limits with per-jail rctl rules.
type Rctl struct {
	logger *zap.Logger
	sink   RuleSink
}

// NewRctl creates an rctl Enforcer writing to sink.
func NewRctl(logger *zap.Logger, sink RuleSink) *Rctl {
	return &Rctl{logger: logger, sink: sink}
}

// Rules returns the rctl rules for l keyed by limit name.
func Rules(sandbox string, l capability.Limits) map[string]string {
	rules := map[string]string{}
	subject := "jail:" + sandbox
	if l.MemoryBytes > 0 {
		rules["memory"] = fmt.Sprintf("%s:memoryuse:deny=%d", subject, l.MemoryBytes)
	}
	if l.MaxProcesses > 0 {
		rules["processes"] = fmt.Sprintf("%s:maxproc:deny=%d", subject, l.MaxProcesses)
	}
	if l.MaxFiles > 0 {
		rules["files"] = fmt.Sprintf("%s:openfiles:deny=%d", subject, l.MaxFiles)
	}
	if l.MaxCPUPercent > 0 {
		rules["cpu"] = fmt.Sprintf("%s:pcpu:deny=%d", subject, l.MaxCPUPercent)
	}
	return rules
}

// Apply implements Enforcer.
func (r *Rctl) Apply(sandbox string, l capability.Limits) []string {
	rules := Rules(sandbox, l)
	var warnings []string
	for _, name := range requested(l) {
		rule := rules[name]
		if err := r.sink.AddRule(rule); err != nil {
			r.logger.Warn("limit not applied", zap.String("rule", rule), zap.Error(err))
			warnings = append(warnings, fmt.Sprintf("%s limit not applied: %v", name, err))
			continue
		}
		r.logger.Debug("rctl rule added", zap.String("rule", rule))
	}
	return warnings
}

// Release implements Enforcer.
func (r *Rctl) Release(sandbox string) error {
	if err := r.sink.RemoveRules("jail:" + sandbox); err != nil {
		return fmt.Errorf("failed to remove rctl rules of %s: %w", sandbox, err)
	}
	return nil
}
