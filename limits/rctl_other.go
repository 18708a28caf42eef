//go:build !freebsd

package limits

import (
	"fmt"
	"runtime"
)

type unsupportedSink struct{}

// NewRuleSink returns a sink that fails every call off FreeBSD.
func NewRuleSink() RuleSink {
	return unsupportedSink{}
}

func (unsupportedSink) AddRule(string) error {
	return fmt.Errorf("rctl unsupported on %s", runtime.GOOS)
}

func (unsupportedSink) RemoveRules(string) error {
	return nil
}
