package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"basegraph.app/batchinfer/internal/manifest"
	"basegraph.app/batchinfer/internal/validate"
)

func newCheckCmd() *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Parse a manifest and compile its schema without calling the model",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.Load(manifestPath)
			if err != nil {
				return err
			}
			jobs, err := m.Jobs()
			if err != nil {
				return err
			}
			if _, err := newValidator(m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d jobs, schema=%t\n", manifestPath, len(jobs), m.Schema != nil)
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "job manifest (.yaml, .yml or .jsonl)")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}

// newValidator accepts any JSON the manifest schema allows, repairing
// near-miss output before rejecting it.
func newValidator(m *manifest.Manifest) (*validate.Validator[json.RawMessage], error) {
	opts := []validate.Option{validate.WithRepair(true)}

	schema, err := m.SchemaJSON()
	if err != nil {
		return nil, err
	}
	if schema != nil {
		opts = append(opts, validate.WithSchema([]byte(schema)))
	}

	v, err := validate.NewJSON[json.RawMessage](opts...)
	if err != nil {
		return nil, fmt.Errorf("building validator: %w", err)
	}
	return v, nil
}
