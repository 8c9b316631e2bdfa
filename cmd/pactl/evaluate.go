package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/drfirst/go-priorauth/internal/app"
	"github.com/drfirst/go-priorauth/internal/domain/authorization"
	"github.com/drfirst/go-priorauth/internal/pipeline"
)

// batchFile lists requests for --batch.
type batchFile struct {
	Requests []struct {
		PatientID string `yaml:"patient_id"`
		DrugID    string `yaml:"drug_id"`
		ClientID  string `yaml:"client_id"`
	} `yaml:"requests"`
}

func evaluateCMD(load loader) *cobra.Command {
	var patientID, drugID, batchPath, clientID string
	var evaluate = &cobra.Command{
		Use:   "evaluate",
		Short: "Run authorization requests and print the decision records",
		RunE: func(cmd *cobra.Command, args []string) error {
			var reqs []pipeline.Request
			switch {
			case batchPath != "":
				data, err := os.ReadFile(batchPath)
				if err != nil {
					return err
				}
				var f batchFile
				if err := yaml.Unmarshal(data, &f); err != nil {
					return fmt.Errorf("decode %s: %w", batchPath, err)
				}
				for _, r := range f.Requests {
					reqs = append(reqs, pipeline.Request{
						PatientID: r.PatientID,
						DrugID:    r.DrugID,
						Requester: authorization.Requester{ClientID: r.ClientID},
					})
				}
			case patientID != "" && drugID != "":
				reqs = []pipeline.Request{{PatientID: patientID, DrugID: drugID}}
			default:
				return errors.New("set --patient and --drug, or --batch")
			}
			for i := range reqs {
				if reqs[i].Requester.ClientID == "" {
					reqs[i].Requester.ClientID = clientID
				}
			}

			cfg, logger, err := load()
			if err != nil {
				return err
			}
			a, err := app.Build(cmd.Context(), cfg, logger, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()
			a.Service.Start()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			var failed []string
			for _, res := range a.Service.ProcessBatch(cmd.Context(), reqs) {
				if res.Err != nil {
					failed = append(failed, fmt.Sprintf("%s/%s: %v", res.Request.PatientID, res.Request.DrugID, res.Err))
					continue
				}
				if err := enc.Encode(res.Record); err != nil {
					return err
				}
				fmt.Fprintln(cmd.ErrOrStderr(), summary(res.Record))
			}
			if len(failed) > 0 {
				return errors.New(strings.Join(failed, "; "))
			}
			return nil
		},
	}
	evaluate.Flags().StringVar(&patientID, "patient", "", "patient id")
	evaluate.Flags().StringVar(&drugID, "drug", "", "drug id")
	evaluate.Flags().StringVar(&batchPath, "batch", "", "YAML file with a requests list")
	evaluate.Flags().StringVar(&clientID, "client", "pactl", "client id recorded on each request")
	return evaluate
}

func summary(rec *authorization.DecisionRecord) string {
	line := fmt.Sprintf("%s  %s/%s  %s", rec.WorkflowID, rec.PatientID, rec.DrugID, rec.Outcome)
	if rec.Recommendation != "" {
		line += "  " + string(rec.Recommendation)
	}
	if rec.Escalation != nil {
		line += "  (" + rec.Escalation.Reason + ")"
	}
	if rec.Failure != nil {
		line += "  " + string(rec.Failure.Kind) + ": " + rec.Failure.Cause
	}
	return line
}

func auditCMD(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <workflow-id>",
		Short: "Print and verify the stored audit trail of a decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("database.url is not set")
			}
			ctx := cmd.Context()
			pool, err := connect(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer pool.Close()

			repo := authorization.NewRepository(pool, authorization.DefaultRepositoryConfig(), logger)
			entries, err := repo.GetAuditTrail(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				switch e.Kind {
				case authorization.EntryTransition:
					fmt.Fprintf(out, "%3d  %-10s %s -> %s  %s\n", e.Sequence, e.Kind, e.From, e.To, e.Note)
				default:
					fmt.Fprintf(out, "%3d  %-10s %s attempt=%d %s %s\n", e.Sequence, e.Kind, e.Stage, e.Attempt, e.Note, e.Error)
				}
			}
			outcome, err := authorization.VerifyComplete(entries)
			if err != nil {
				return fmt.Errorf("trail does not verify: %w", err)
			}
			fmt.Fprintf(out, "verified: %s\n", outcome)
			return nil
		},
	}
}
