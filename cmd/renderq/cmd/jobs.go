package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/renderq/renderq/pkg/models"
)

var (
	submitSource   string
	submitStart    float64
	submitEnd      float64
	submitPlanFile string

	followStatus bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage render jobs",
	Long:  `Commands for submitting and inspecting render jobs.`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new render job",
	Long: `Submit a render job. Either pass --plan with a JSON execution plan,
or --source with a trim window for a simple single-clip render.`,
	RunE: runJobsSubmit,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Get job status",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all jobs",
	RunE:  runJobsList,
}

func init() {
	jobsSubmitCmd.Flags().StringVar(&submitSource, "source", "", "source asset URL for a single-clip render")
	jobsSubmitCmd.Flags().Float64Var(&submitStart, "start", 0, "trim start in seconds")
	jobsSubmitCmd.Flags().Float64Var(&submitEnd, "end", 0, "trim end in seconds")
	jobsSubmitCmd.Flags().StringVar(&submitPlanFile, "plan", "", "path to a JSON execution plan file")
	jobsStatusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll status every 2 seconds until the job is terminal")

	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsListCmd)
	rootCmd.AddCommand(jobsCmd)
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	req := models.JobRequest{
		Source:       submitSource,
		TrimStartSec: submitStart,
		TrimEndSec:   submitEnd,
	}

	if submitPlanFile != "" {
		data, err := os.ReadFile(submitPlanFile)
		if err != nil {
			return fmt.Errorf("failed to read plan file: %w", err)
		}
		var plan models.ExecutionPlan
		if err := json.Unmarshal(data, &plan); err != nil {
			return fmt.Errorf("failed to parse plan file: %w", err)
		}
		req.Plan = &plan
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	resp, err := http.Post(serverBase()+"/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("submission rejected (%d): %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var job models.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return err
	}

	if isJSONOutput() {
		return printJSON(job)
	}
	fmt.Printf("Job %s queued\n", job.ID)
	fmt.Printf("Follow it with: renderq jobs status %s --follow\n", job.ID)
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	id := args[0]

	for {
		job, err := fetchJob(id)
		if err != nil {
			return err
		}

		if isJSONOutput() {
			if err := printJSON(job); err != nil {
				return err
			}
		} else {
			printJobTable(job)
		}

		if !followStatus || models.IsTerminalState(job.State) {
			return nil
		}
		time.Sleep(2 * time.Second)
	}
}

func runJobsList(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(serverBase() + "/jobs")
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	var listing struct {
		Jobs  []models.Job `json:"jobs"`
		Count int          `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return err
	}

	if isJSONOutput() {
		return printJSON(listing.Jobs)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "State", "Progress", "Error", "Created")
	for _, job := range listing.Jobs {
		errCode := ""
		if job.Error != nil {
			errCode = job.Error.Code
		}
		table.Append(
			job.ID,
			string(job.State),
			fmt.Sprintf("%d%%", job.ProgressPct),
			errCode,
			job.CreatedAt.Format(time.RFC3339),
		)
	}
	table.Render()
	fmt.Printf("\n%d jobs\n", listing.Count)
	return nil
}

func fetchJob(id string) (*models.Job, error) {
	resp, err := http.Get(serverBase() + "/jobs/" + id)
	if err != nil {
		return nil, fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("job %s not found", id)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	var job models.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

func printJobTable(job *models.Job) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("ID", job.ID)
	table.Append("State", string(job.State))
	table.Append("Progress", fmt.Sprintf("%d%%", job.ProgressPct))
	table.Append("Created", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		table.Append("Started", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		table.Append("Completed", job.CompletedAt.Format(time.RFC3339))
	}
	if job.Output != nil {
		table.Append("Output", job.Output.Path)
		table.Append("Size", fmt.Sprintf("%d bytes", job.Output.SizeBytes))
		table.Append("Duration", fmt.Sprintf("%dms", job.Output.DurationMS))
		if job.Output.PublicURL != "" {
			table.Append("URL", job.Output.PublicURL)
		}
	}
	if job.Error != nil {
		table.Append("Error Code", job.Error.Code)
		table.Append("Error", job.Error.Message)
	}
	table.Render()
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
