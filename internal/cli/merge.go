package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	clovercontext "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/models"
)

var (
	mergeType         string
	mergeIDs          []int64
	mergeDiscriminant string
	mergeFile         string
	mergeKeepGoing    bool
	mergeDryRun       bool
	mergeOperator     string
)

var mergeCmd = &cobra.Command{
	Use:   "merge (--type <resource> --ids <id,id,...> | --file <batch.yaml>)",
	Short: "Merge duplicate resources into the canonical record",
	Long: `Merges the candidate records of one resource type. The canonical record is
chosen by the discriminant when the type has one (an email for persons and
participants), otherwise the lowest id wins.

Every dependent reference, association, assignment and stored schedule is
repointed before the deprecated records are deleted. The result is printed
as JSON. Use --dry-run to see the plan without writing anything.

--file runs a YAML batch of merges in order and stops at the first failure
unless --keep-going is set.`,
	Example: `  clover merge --type person --ids 5,9,12
  clover merge --type participant --ids 3,4 --discriminant jo@example.edu --dry-run
  clover merge --file duplicates.yaml --operator registrar`,
	RunE: runMerge,
}

func init() {
	mergeCmd.Flags().StringVar(&mergeType, "type", "", "Resource type: person, participant, event, category, group or room")
	mergeCmd.Flags().Int64SliceVar(&mergeIDs, "ids", nil, "Candidate ids, comma separated (at least two)")
	mergeCmd.Flags().StringVar(&mergeDiscriminant, "discriminant", "", "Value identifying the canonical record")
	mergeCmd.Flags().StringVarP(&mergeFile, "file", "f", "", "YAML batch of merges")
	mergeCmd.Flags().BoolVar(&mergeKeepGoing, "keep-going", false, "Continue a batch after a failed merge")
	mergeCmd.Flags().BoolVar(&mergeDryRun, "dry-run", false, "Show the merge plan without applying it")
	mergeCmd.Flags().StringVar(&mergeOperator, "operator", "", "Operator recorded in the merge audit log")
	mergeCmd.MarkFlagsMutuallyExclusive("file", "type")
	mergeCmd.MarkFlagsMutuallyExclusive("file", "ids")

	rootCmd.AddCommand(mergeCmd)
}

// buildRequest turns flag values into a merge request.
func buildRequest(resourceType string, ids []int64, discriminant string) (models.MergeRequest, error) {
	t, err := models.ParseResourceType(resourceType)
	if err != nil {
		return models.MergeRequest{}, err
	}
	if len(ids) < 2 {
		return models.MergeRequest{}, fmt.Errorf("at least two ids are required, got %d", len(ids))
	}
	for _, id := range ids {
		if id <= 0 {
			return models.MergeRequest{}, fmt.Errorf("invalid id %d", id)
		}
	}

	req := models.MergeRequest{ResourceType: t, CandidateIDs: ids}
	if discriminant != "" {
		req.Discriminant = &discriminant
	}
	return req, nil
}

func mergeRequests() ([]models.MergeRequest, error) {
	if mergeFile != "" {
		return loadBatch(mergeFile)
	}
	if mergeType == "" {
		return nil, errors.New("either --type with --ids or --file is required")
	}
	req, err := buildRequest(mergeType, mergeIDs, mergeDiscriminant)
	if err != nil {
		return nil, err
	}
	return []models.MergeRequest{req}, nil
}

func runMerge(cmd *cobra.Command, args []string) error {
	requests, err := mergeRequests()
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if mergeOperator != "" {
		ctx = clovercontext.SetOperator(ctx, mergeOperator)
	}

	if err := a.startup.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = a.startup.Stop(context.Background()) }()

	engine := a.engine()
	results := make([]models.MergeResult, 0, len(requests))
	failed := 0
	for _, req := range requests {
		var result models.MergeResult
		if mergeDryRun {
			result, err = engine.Preview(ctx, req)
		} else {
			result, err = engine.Merge(ctx, req)
		}
		results = append(results, result)
		if err != nil {
			failed++
			a.logger.WithContext(ctx).WithError(err).WithField("resource_type", req.ResourceType).Error("merge failed")
			if !mergeKeepGoing {
				break
			}
		}
	}

	if mergeFile == "" {
		if perr := printJSON(cmd, results[0]); perr != nil {
			return perr
		}
		return err
	}
	if perr := printJSON(cmd, results); perr != nil {
		return perr
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d merges failed", failed, len(requests))
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
