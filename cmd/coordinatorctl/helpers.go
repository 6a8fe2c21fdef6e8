package main

import (
	"github.com/streamplane/coordinator/pkg/amender"
	"github.com/streamplane/coordinator/pkg/merger"
)

func mergerRuleFlag(v string) merger.RuleName {
	return merger.RuleName(v)
}

func amendmentModeFlag(v string) amender.Mode {
	return amender.Mode(v)
}

// getInt pulls an int value out of a generic YAML spec map. YAML numbers
// decode as int when unmarshaled into interface{}.
func getInt(m map[string]interface{}, key string, defaultValue int) int {
	if v, ok := m[key]; ok {
		if i, ok := v.(int); ok {
			return i
		}
	}
	return defaultValue
}
