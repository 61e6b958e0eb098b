package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"

	"github.com/Lllllllleong/proposalingest/internal/models"
)

// WorkflowNotifier starts a Cloud Workflows execution for every finished run,
// handing the outcome to whatever downstream steps the workflow defines.
type WorkflowNotifier struct {
	client *executions.Client
	parent string
}

// NewWorkflowNotifier targets projects/<project>/locations/<location>/workflows/<workflowID>.
func NewWorkflowNotifier(client *executions.Client, projectID, location, workflowID string) *WorkflowNotifier {
	return &WorkflowNotifier{
		client: client,
		parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID),
	}
}

// workflowArgument builds the execution argument for run.
func workflowArgument(run *models.PipelineRun) (string, error) {
	payload := map[string]interface{}{
		"runId":     run.RunID,
		"pipeline":  run.Pipeline,
		"subjectId": run.SubjectID,
		"ownerId":   run.OwnerID,
		"stage":     run.Stage,
	}
	if run.FailureKind != "" {
		payload["failureKind"] = run.FailureKind
		payload["failureReason"] = run.FailureReason
	}
	if run.Result != nil {
		payload["result"] = run.Result
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	return string(b), nil
}

func (n *WorkflowNotifier) RunFinished(ctx context.Context, run *models.PipelineRun) error {
	argument, err := workflowArgument(run)
	if err != nil {
		return err
	}
	exec, err := n.client.CreateExecution(ctx, &executionspb.CreateExecutionRequest{
		Parent:    n.parent,
		Execution: &executionspb.Execution{Argument: argument},
	})
	if err != nil {
		return fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	slog.Info("Triggered downstream workflow.", "runId", run.RunID, "execution", exec.GetName())
	return nil
}
