package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/docpipe/docpipe/pkg/models"
)

var (
	submitProvider      string
	submitTransactionID string
	submitRequestID     int64
	cancelReason        string
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage OCR jobs",
	Long:  `Commands for submitting, listing, and operating OCR jobs on the pipeline server.`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <document-id>",
	Short: "Submit a new OCR job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsSubmit,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listJobs("/ocr/jobs")
	},
}

var jobsQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List jobs waiting for or holding a claim",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listJobs("/ocr/jobs/queue")
	},
}

var jobsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List finished jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listJobs("/ocr/jobs/history")
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Retry a failed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var job models.Job
		if err := postJSON("/ocr/jobs/"+args[0]+"/retry", nil, &job); err != nil {
			return err
		}
		fmt.Printf("Job %s re-queued (attempt %d)\n", job.ID, job.RetryCount)
		return nil
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{"reason": cancelReason}
		var job models.Job
		if err := postJSON("/ocr/jobs/"+args[0]+"/cancel", body, &job); err != nil {
			return err
		}
		fmt.Printf("Job %s cancelled\n", job.ID)
		return nil
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect the dead letter list",
	RunE:  runDLQList,
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue <job-id>",
	Short: "Requeue a dead-lettered job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var job models.Job
		if err := postJSON("/ocr/dlq/"+args[0]+"/requeue", nil, &job); err != nil {
			return err
		}
		fmt.Printf("Job %s re-queued from dead letters\n", job.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(dlqCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsQueueCmd)
	jobsCmd.AddCommand(jobsHistoryCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	dlqCmd.AddCommand(dlqRequeueCmd)

	jobsSubmitCmd.Flags().StringVar(&submitProvider, "provider", "", "OCR provider name")
	jobsSubmitCmd.Flags().StringVar(&submitTransactionID, "transaction-id", "", "provider transaction id for webhook correlation")
	jobsSubmitCmd.Flags().Int64Var(&submitRequestID, "request-id", 0, "provider request id for webhook correlation")
	jobsCancelCmd.Flags().StringVar(&cancelReason, "reason", "cancelled by operator", "cancellation reason")
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	req := models.JobRequest{
		DocumentID:    args[0],
		Provider:      submitProvider,
		TransactionID: submitTransactionID,
		RequestID:     submitRequestID,
	}

	var job models.Job
	if err := postJSON("/ocr/jobs", req, &job); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(job)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Job ID", job.ID)
	table.Append("Document", job.DocumentID)
	table.Append("Provider", job.Provider)
	table.Append("Status", string(job.Status))
	table.Append("Requested At", job.RequestedAt.Format(time.RFC3339))
	table.Render()
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	var job models.Job
	if err := getJSON("/ocr/jobs/"+args[0], &job); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(job)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Job ID", job.ID)
	table.Append("Document", job.DocumentID)
	table.Append("Provider", job.Provider)
	table.Append("Status", string(job.Status))
	table.Append("Step", job.Step)
	table.Append("Retries", fmt.Sprintf("%d", job.RetryCount))
	table.Append("Requested At", job.RequestedAt.Format(time.RFC3339))
	if job.CompletedAt != nil {
		table.Append("Completed At", job.CompletedAt.Format(time.RFC3339))
	}
	if job.ErrorMessage != "" {
		table.Append("Error", job.ErrorMessage)
	}
	table.Render()
	return nil
}

func listJobs(path string) error {
	var jobs []models.Job
	if err := getJSON(path, &jobs); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(jobs)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job ID", "Document", "Status", "Retries", "Requested At", "Error")
	for _, job := range jobs {
		table.Append(job.ID, job.DocumentID, string(job.Status),
			fmt.Sprintf("%d", job.RetryCount),
			job.RequestedAt.Format("2006-01-02 15:04:05"),
			truncate(job.ErrorMessage, 40))
	}
	table.Render()
	fmt.Printf("\nTotal: %d jobs\n", len(jobs))
	return nil
}

func runDLQList(cmd *cobra.Command, args []string) error {
	var entries []struct {
		JobID        string    `json:"job_id"`
		DocumentID   string    `json:"document_id"`
		Provider     string    `json:"provider"`
		ErrorMessage string    `json:"error_message"`
		RetryCount   int       `json:"retry_count"`
		FailedAt     time.Time `json:"failed_at"`
	}
	if err := getJSON("/ocr/dlq", &entries); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(entries)
	}

	if len(entries) == 0 {
		fmt.Println("Dead letter list is empty")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job ID", "Document", "Retries", "Failed At", "Error")
	for _, e := range entries {
		table.Append(e.JobID, e.DocumentID, fmt.Sprintf("%d", e.RetryCount),
			e.FailedAt.Format("2006-01-02 15:04:05"), truncate(e.ErrorMessage, 40))
	}
	table.Render()
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
