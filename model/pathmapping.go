package model

import (
	"sort"
	"strings"
)

// PathFormat names the path syntax of a mapping rule's source path.
type PathFormat string

const (
	PathFormatPosix   PathFormat = "POSIX"
	PathFormatWindows PathFormat = "WINDOWS"
)

// PathMappingRule rewrites paths from a source filesystem layout into the
// layout visible to the host running the session. Rules are applied in order
// of longest source path first; the first rule that matches wins.
type PathMappingRule struct {
	SourcePathFormat PathFormat `json:"source_path_format" yaml:"source_path_format"`
	SourcePath       string     `json:"source_path" yaml:"source_path"`
	DestinationPath  string     `json:"destination_path" yaml:"destination_path"`
}

// Apply rewrites path if it is equal to or contained in the rule's source
// path. The second return is the (possibly unchanged) path.
func (r *PathMappingRule) Apply(path string) (bool, string) {
	src, candidate := r.SourcePath, path
	caseFold := r.SourcePathFormat == PathFormatWindows
	if caseFold {
		src = strings.ToLower(strings.ReplaceAll(src, `\`, "/"))
		candidate = strings.ToLower(strings.ReplaceAll(candidate, `\`, "/"))
	}
	src = strings.TrimSuffix(src, "/")
	if candidate == src {
		return true, r.DestinationPath
	}
	if strings.HasPrefix(candidate, src+"/") {
		remainder := path[len(src)+1:]
		return true, strings.TrimSuffix(r.DestinationPath, "/") + "/" + remainder
	}
	return false, path
}

// ApplyPathMapping rewrites path through the first matching rule, trying
// longer source paths first. An unmatched path is returned unchanged.
func ApplyPathMapping(rules []PathMappingRule, path string) string {
	ordered := append([]PathMappingRule(nil), rules...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].SourcePath) > len(ordered[j].SourcePath)
	})
	for i := range ordered {
		if ok, mapped := ordered[i].Apply(path); ok {
			return mapped
		}
	}
	return path
}
