package model

// ParameterType is the declared type of a job or task parameter value.
type ParameterType string

const (
	ParameterTypeString ParameterType = "STRING"
	ParameterTypeInt    ParameterType = "INT"
	ParameterTypeFloat  ParameterType = "FLOAT"
	ParameterTypePath   ParameterType = "PATH"
)

// ParameterValue carries the type and (string-serialized) value of one
// parameter.
type ParameterValue struct {
	Type  ParameterType `json:"type" yaml:"type"`
	Value string        `json:"value" yaml:"value"`
}

// ParameterSet maps parameter names to their values.
type ParameterSet map[string]ParameterValue

// Well-known symbol names available to format strings.
const (
	SymbolWorkingDirectory    = "Session.WorkingDirectory"
	SymbolHasPathMappingRules = "Session.HasPathMappingRules"
	SymbolPathMappingFile     = "Session.PathMappingRulesFile"

	SymbolJobParameterPrefix    = "Param"
	SymbolJobParameterRawPrefix = "RawParam"

	SymbolTaskParameterPrefix    = "Task.Param"
	SymbolTaskParameterRawPrefix = "Task.RawParam"

	SymbolTaskFilePrefix = "Task.File"
	SymbolEnvFilePrefix  = "Env.File"
)

// SymbolTable is the set of values that format strings may reference.
type SymbolTable map[string]string

// Clone returns an independent copy so that per-action additions (for
// example embedded file locations) do not leak between actions.
func (t SymbolTable) Clone() SymbolTable {
	clone := make(SymbolTable, len(t))
	for k, v := range t {
		clone[k] = v
	}
	return clone
}
