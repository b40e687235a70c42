package tool

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog is an optional YAML file extending the registry with
// site-specific exec tools, e.g.:
//
//	tools:
//	  - name: mtr
//	    cmd: ["mtr", "-rwc", "10"]
//	    target_arg: true
type Catalog struct {
	Tools []CatalogTool `yaml:"tools"`
}

// CatalogTool describes one exec tool from the catalog.
type CatalogTool struct {
	Name string `yaml:"name"`
	Cmd  []string `yaml:"cmd"`
	// TargetArg appends the invocation target to the argv.
	TargetArg bool `yaml:"target_arg"`
}

// LoadCatalog reads a catalog file and registers its tools.
func LoadCatalog(r *Registry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tool catalog: %w", err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return fmt.Errorf("parse tool catalog: %w", err)
	}

	for _, ct := range catalog.Tools {
		if ct.Name == "" || len(ct.Cmd) == 0 {
			return fmt.Errorf("tool catalog entry requires name and cmd")
		}
		ct := ct
		r.Register(Tool{
			Name: ct.Name,
			Args: func(target string, _ map[string]string) []string {
				argv := append([]string(nil), ct.Cmd...)
				if ct.TargetArg {
					argv = append(argv, target)
				}
				return argv
			},
		})
	}
	return nil
}
