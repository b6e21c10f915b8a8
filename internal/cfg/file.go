package cfg

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/dexscan/internal/xerrors"
)

// ApplyFile overlays a YAML mapping of flag names to values onto fs. Only
// flags not already set on the CLI or from the environment are touched, so
// precedence is cli > env > file > default. Sequences become comma lists.
func ApplyFile(fs *flag.FlagSet, path string, logf func(string, ...any)) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return xerrors.Wrapf(err, "read config file %s", path)
	}
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return xerrors.Wrapf(err, "parse config file %s", path)
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var errs []string
	for name, node := range doc {
		if fs.Lookup(name) == nil {
			errs = append(errs, fmt.Sprintf("unknown setting %q", name))
			continue
		}
		if set[name] {
			if logf != nil {
				logf("flag -%s: cli/env value overrides config file", name)
			}
			continue
		}
		val, err := scalar(&node)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		if err := fs.Set(name, val); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(errs) > 0 {
		return xerrors.Newf("config file %s: %s", path, strings.Join(errs, "; "))
	}
	return nil
}

func scalar(n *yaml.Node) (string, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return n.Value, nil
	case yaml.SequenceNode:
		parts := make([]string, 0, len(n.Content))
		for _, c := range n.Content {
			if c.Kind != yaml.ScalarNode {
				return "", fmt.Errorf("nested values are not supported")
			}
			parts = append(parts, c.Value)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("expected a scalar or list")
	}
}
