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
	taskType     string
	taskPriority int
	taskSchema   string
)

// tasksCmd represents the tasks command
var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage LLM tasks",
}

var tasksSubmitCmd = &cobra.Command{
	Use:   "submit <document-id> <text>",
	Short: "Submit a new LLM task",
	Args:  cobra.ExactArgs(2),
	RunE:  runTasksSubmit,
}

var tasksResultCmd = &cobra.Command{
	Use:   "result <task-id>",
	Short: "Fetch a task result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result models.TaskResult
		if err := getJSON("/llm/tasks/"+args[0]+"/result", &result); err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(result)
		}
		if result.Error != "" {
			fmt.Printf("Task failed: %s\n", result.Error)
			return nil
		}
		fmt.Println(result.Result)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show LLM queue depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats struct {
			Pending    int64 `json:"pending"`
			Processing int64 `json:"processing"`
		}
		if err := getJSON("/llm/queue/stats", &stats); err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(stats)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Pending", "Processing")
		table.Append(fmt.Sprintf("%d", stats.Pending), fmt.Sprintf("%d", stats.Processing))
		table.Render()
		return nil
	},
}

var resourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: "Show server resource usage",
	RunE:  runResources,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(resourcesCmd)
	tasksCmd.AddCommand(tasksSubmitCmd)
	tasksCmd.AddCommand(tasksResultCmd)

	tasksSubmitCmd.Flags().StringVar(&taskType, "type", "summary", "task type (summary, extraction, insight)")
	tasksSubmitCmd.Flags().IntVar(&taskPriority, "priority", 0, "task priority (higher runs first)")
	tasksSubmitCmd.Flags().StringVar(&taskSchema, "schema", "", "extraction schema")
}

func runTasksSubmit(cmd *cobra.Command, args []string) error {
	req := map[string]interface{}{
		"document_id": args[0],
		"text":        args[1],
		"type":        taskType,
		"priority":    taskPriority,
	}
	if taskSchema != "" {
		req["schema"] = taskSchema
	}

	var task models.Task
	if err := postJSON("/llm/tasks", req, &task); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(task)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Task ID", task.ID)
	table.Append("Document", task.DocumentID)
	table.Append("Type", string(task.Type))
	table.Append("Priority", fmt.Sprintf("%d", task.Priority))
	table.Append("Sequence", fmt.Sprintf("%d", task.Sequence))
	table.Render()
	return nil
}

func runResources(cmd *cobra.Command, args []string) error {
	var resp struct {
		Usage struct {
			RSSMB         float64   `json:"rss_mb"`
			MemoryPercent float64   `json:"memory_percent"`
			CPUPercent    float64   `json:"cpu_percent"`
			SampledAt     time.Time `json:"sampled_at"`
		} `json:"usage"`
		ActiveJobs int `json:"active_jobs"`
		Limits     struct {
			MaxMemoryMB      float64 `json:"max_memory_mb"`
			MaxMemoryPercent float64 `json:"max_memory_percent"`
			JobTimeoutSec    float64 `json:"job_timeout_seconds"`
		} `json:"limits"`
	}
	if err := getJSON("/system/resources", &resp); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(resp)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Metric", "Value", "Limit")
	table.Append("Memory (MB)", fmt.Sprintf("%.1f", resp.Usage.RSSMB),
		fmt.Sprintf("%.1f", resp.Limits.MaxMemoryMB))
	table.Append("Memory (%)", fmt.Sprintf("%.1f", resp.Usage.MemoryPercent),
		fmt.Sprintf("%.1f", resp.Limits.MaxMemoryPercent))
	table.Append("CPU (%)", fmt.Sprintf("%.1f", resp.Usage.CPUPercent), "-")
	table.Append("Active Jobs", fmt.Sprintf("%d", resp.ActiveJobs), "-")
	table.Render()
	return nil
}
