package testrunner

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fixbench/fixbench/api/schemas"
)

// ExclusionSet maps repository slugs ("owner/name") to the tests excluded
// when running that project's suite.
type ExclusionSet map[string]schemas.Exclusions

// LoadExclusions reads a YAML exclusions file. A missing path yields an
// empty set: exclusions are an opt-in escape hatch, not required config.
func LoadExclusions(path string) (ExclusionSet, error) {
	if path == "" {
		return ExclusionSet{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ExclusionSet{}, nil
		}
		return nil, fmt.Errorf("reading exclusions file: %w", err)
	}
	var set ExclusionSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parsing exclusions file %s: %w", path, err)
	}
	if set == nil {
		set = ExclusionSet{}
	}
	return set, nil
}

// For returns the exclusions configured for a repository, empty when none.
func (s ExclusionSet) For(repository string) schemas.Exclusions {
	return s[repository]
}
