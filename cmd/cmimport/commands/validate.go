package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/openfroyo/cmimport/pkg/config"
	"github.com/openfroyo/cmimport/pkg/policy"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// validationReport is the --json output of validate.
type validationReport struct {
	Workflow string                    `json:"workflow"`
	Errors   []string                  `json:"errors,omitempty"`
	Policies map[string]*policy.Result `json:"policies,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var skipPolicies bool

	cmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Validate workflow definitions",
		Long: `Validate workflow definitions against the workflow schema and evaluate the
change-set policies against each workflow's topology.

This command checks:
  - CUE syntax and schema conformance
  - Field constraints (durations, undo time, override values)
  - Topology snapshot and value scripts
  - Policy compliance (OPA/rego) of both change-sets`,
		Example: `  # Validate one definition
  cmimport validate cmimport_01.cue

  # Validate a directory with extra policies
  cmimport validate ./workflows --policy ./policies`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			parser := config.NewCUEParser()
			parsed, err := parser.Parse(ctx, []string{args[0]})
			if err != nil {
				return err
			}

			var gate *policy.Engine
			if !skipPolicies {
				if gate, err = newPolicyEngine(ctx, false); err != nil {
					return fmt.Errorf("failed to load policies: %w", err)
				}
			}

			var reports []validationReport
			failed := len(parsed.Errors) > 0
			if failed {
				r := validationReport{Workflow: "-"}
				for _, e := range parsed.Errors {
					r.Errors = append(r.Errors, e.String())
				}
				reports = append(reports, r)
			}

			for _, wf := range parsed.Workflows {
				r := validationReport{Workflow: wf.Name}
				lw, err := loadWorkflow(ctx, args[0], wf.Name)
				if err != nil {
					r.Errors = append(r.Errors, err.Error())
					failed = true
					reports = append(reports, r)
					continue
				}
				if gate != nil {
					r.Policies = make(map[string]*policy.Result)
					for _, summary := range lw.summaries() {
						result, err := gate.EvaluateChangeSet(ctx, summary, policy.StageValidate)
						if err != nil {
							return err
						}
						r.Policies[summary.Job] = result
						if !result.Allowed {
							failed = true
						}
					}
				}
				reports = append(reports, r)
			}

			if opts.jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(reports); err != nil {
					return err
				}
			} else {
				printReports(reports)
			}

			log.Debug().Int("workflows", len(parsed.Workflows)).Bool("failed", failed).Msg("Validation finished")
			if failed {
				return fmt.Errorf("validation failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipPolicies, "skip-policies", false, "only check the definitions")

	return cmd
}

func printReports(reports []validationReport) {
	for _, r := range reports {
		status := "ok"
		if len(r.Errors) > 0 {
			status = "invalid"
		}
		for _, res := range r.Policies {
			if !res.Allowed && status == "ok" {
				status = "denied"
			}
		}
		fmt.Printf("%s: %s\n", r.Workflow, status)
		for _, e := range r.Errors {
			fmt.Printf("  error: %s\n", e)
		}
		for job, res := range r.Policies {
			for _, v := range res.Violations {
				fmt.Printf("  %s: [%s] %s\n", job, v.Policy, v.Message)
			}
			for _, w := range res.Warnings {
				fmt.Printf("  %s: warning [%s] %s\n", job, w.Policy, w.Message)
			}
		}
	}
}
