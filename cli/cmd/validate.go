package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/pwproxy/cli/render"
	"github.com/pithecene-io/pwproxy/config"
)

// PoolSummary is one row of the validate output.
type PoolSummary struct {
	Name        string `json:"name"`
	Instances   int    `json:"instances"`
	IsDefault   bool   `json:"is_default"`
	Aliases     int    `json:"aliases"`
	Description string `json:"description,omitempty"`
}

// ValidateResponse is the response for the validate command.
type ValidateResponse struct {
	Valid       bool          `json:"valid"`
	DefaultPool string        `json:"default_pool"`
	Pools       []PoolSummary `json:"pools"`
	BlobRoot    string        `json:"blob_root"`
}

// ValidateCommand returns the validate command: load the configuration
// from file and environment, run startup validation, and report the
// effective pool layout without spawning anything.
func ValidateCommand() *cli.Command {
	return &cli.Command{
		Name:   "validate",
		Usage:  "Validate configuration and show the effective pool layout",
		Flags:  ReadOnlyFlags(),
		Action: validateAction,
	}
}

func validateAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	tree, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if err := config.Validate(tree); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	resp := ValidateResponse{
		Valid:       true,
		DefaultPool: tree.DefaultPool(),
		BlobRoot:    tree.Blob.StorageRoot,
	}
	for _, p := range tree.Pools {
		aliases := 0
		for _, ov := range p.Overrides {
			if ov.Alias != "" {
				aliases++
			}
		}
		resp.Pools = append(resp.Pools, PoolSummary{
			Name:        p.Name,
			Instances:   p.Instances,
			IsDefault:   p.IsDefault,
			Aliases:     aliases,
			Description: p.Description,
		})
	}
	return r.Render(resp)
}
