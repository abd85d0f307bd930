package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pithecene-io/pwproxy/types"
)

var numericAliasPattern = regexp.MustCompile(`^\d+$`)

// Validate checks the configuration tree once at startup. Any failure
// is fatal: the proxy refuses to start on a partially valid fleet.
func Validate(t *Tree) error {
	if len(t.Pools) == 0 {
		return fmt.Errorf("%w: no pools defined; declare at least one via "+
			"PW_MCP_PROXY__<POOL>_INSTANCES=N", types.ErrConfig)
	}

	var defaults []string
	seenNames := map[string]bool{}

	for _, p := range t.Pools {
		upper := strings.ToUpper(p.Name)
		if seenNames[upper] {
			return fmt.Errorf("%w: duplicate pool name %q", types.ErrConfig, p.Name)
		}
		seenNames[upper] = true

		if p.Instances < 1 {
			return fmt.Errorf("%w: pool %q must declare instances >= 1", types.ErrConfig, p.Name)
		}
		if p.IsDefault {
			defaults = append(defaults, p.Name)
		}

		if err := validateOverrides(p); err != nil {
			return err
		}
	}

	switch len(defaults) {
	case 0:
		return fmt.Errorf("%w: no default pool defined; set IS_DEFAULT=true for one pool", types.ErrConfig)
	case 1:
	default:
		return fmt.Errorf("%w: multiple default pools defined: %s; only one pool "+
			"can have IS_DEFAULT=true", types.ErrConfig, strings.Join(defaults, ", "))
	}

	return nil
}

func validateOverrides(p PoolSpec) error {
	aliases := map[string]int{}
	for id, ov := range p.Overrides {
		if id < 0 || id >= p.Instances {
			return fmt.Errorf("%w: pool %q instance override %d out of range [0,%d)",
				types.ErrConfig, p.Name, id, p.Instances)
		}
		if ov.Alias == "" {
			continue
		}
		if numericAliasPattern.MatchString(ov.Alias) {
			return fmt.Errorf("%w: pool %q instance %d: alias %q is numeric "+
				"(reserved for instance ids)", types.ErrConfig, p.Name, id, ov.Alias)
		}
		if prev, dup := aliases[ov.Alias]; dup {
			return fmt.Errorf("%w: pool %q: alias %q used by instances %d and %d "+
				"(aliases must be unique within a pool)", types.ErrConfig, p.Name, ov.Alias, prev, id)
		}
		aliases[ov.Alias] = id
	}
	return nil
}
