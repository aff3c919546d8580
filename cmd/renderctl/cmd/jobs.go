package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// Job submit flags
	submitProjectID string
	submitUser      string
	submitQuality   string
	submitFormat    string

	// Job status flags
	followStatus bool

	// Job list flags
	listUser string
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage render jobs",
	Long:  `Commands for submitting, inspecting and cancelling render jobs on the renderd server.`,
}

// jobsSubmitCmd represents the jobs submit command
var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <project-file>",
	Short: "Submit a render job",
	Long: `Submit a render job from a project file.

The file holds the enqueue request as JSON or YAML: projectId, userId,
scenes, settings, and optional outputFormat and quality overrides. Flags
override the matching fields in the file.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsSubmit,
}

// jobsStatusCmd represents the jobs status command
var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Get render job status",
	Long:  `Retrieve the status of a render job by its ID.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

// jobsCancelCmd represents the jobs cancel command
var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a render job",
	Long:  `Cancel a queued or processing render job. The owning worker kills the encode before the job is marked cancelled.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

// jobsListCmd represents the jobs list command
var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's render jobs",
	Long:  `List all render jobs belonging to a user, newest first.`,
	RunE:  runJobsList,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsListCmd)

	// Flags for job submit
	jobsSubmitCmd.Flags().StringVar(&submitProjectID, "project-id", "", "override the projectId from the file")
	jobsSubmitCmd.Flags().StringVar(&submitUser, "user", "", "override the userId from the file")
	jobsSubmitCmd.Flags().StringVar(&submitQuality, "quality", "", "quality tier (draft, standard, high, ultra)")
	jobsSubmitCmd.Flags().StringVar(&submitFormat, "format", "", "output container (mp4, mov, webm, avi)")

	// Flags for job status
	jobsStatusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll job status every 2 seconds until completion")

	// Flags for job list
	jobsListCmd.Flags().StringVar(&listUser, "user", "", "user whose jobs to list (required)")
	jobsListCmd.MarkFlagRequired("user")
}

type enqueueResponse struct {
	JobID         string `json:"jobId"`
	EstimatedTime int    `json:"estimatedTime"`
}

type statusResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	Attempts     int    `json:"attempts"`
	WorkerID     string `json:"workerId,omitempty"`
	OutputURL    string `json:"outputUrl,omitempty"`
	FailedReason string `json:"failedReason,omitempty"`
}

type jobSummary struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"projectId"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	Priority     int        `json:"priority"`
	CreatedAt    time.Time  `json:"createdAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	OutputURL    string     `json:"outputUrl,omitempty"`
	FailedReason string     `json:"failedReason,omitempty"`
}

// loadProjectFile reads a JSON or YAML enqueue request into a generic map so
// flag overrides can be applied before the request is re-encoded as JSON.
func loadProjectFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project file: %w", err)
	}

	payload := make(map[string]interface{})
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	return payload, nil
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	payload, err := loadProjectFile(args[0])
	if err != nil {
		return err
	}

	// Apply flag overrides
	if submitProjectID != "" {
		payload["projectId"] = submitProjectID
	}
	if submitUser != "" {
		payload["userId"] = submitUser
	}
	if submitQuality != "" {
		payload["quality"] = submitQuality
	}
	if submitFormat != "" {
		payload["outputFormat"] = submitFormat
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	// Create authenticated POST request
	endpoint := fmt.Sprintf("%s/render/queue", GetServerURL())
	httpReq, err := CreateAuthenticatedRequest("POST", endpoint, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	// Send request
	client := GetHTTPClient()
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to render API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result enqueueResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
	} else {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")

		table.Append("Job ID", result.JobID)
		table.Append("Estimated Time", (time.Duration(result.EstimatedTime) * time.Second).String())

		table.Render()
		fmt.Printf("\nJob submitted successfully! Job ID %s\n", result.JobID)
	}

	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	if followStatus {
		// Follow mode: poll every 2 seconds
		fmt.Printf("Following job %s (press Ctrl+C to stop)...\n\n", jobID)
		for {
			result, err := fetchJobStatus(jobID)
			if err != nil {
				return err
			}

			// Clear screen and display status
			fmt.Print("\033[H\033[2J")
			displayJobStatus(result)

			// Check if job is in terminal state
			if result.Status == "completed" || result.Status == "failed" || result.Status == "cancelled" {
				fmt.Println("\n✓ Job reached terminal state")
				break
			}

			time.Sleep(2 * time.Second)
		}
	} else {
		result, err := fetchJobStatus(jobID)
		if err != nil {
			return err
		}
		displayJobStatus(result)
	}

	return nil
}

func fetchJobStatus(jobID string) (*statusResponse, error) {
	endpoint := fmt.Sprintf("%s/render/status/%s", GetServerURL(), url.PathEscape(jobID))

	httpReq, err := CreateAuthenticatedRequest("GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	client := GetHTTPClient()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to render API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result statusResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &result, nil
}

func displayJobStatus(result *statusResponse) {
	if IsJSONOutput() {
		output, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(output))
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")

	table.Append("Job ID", result.ID)
	table.Append("Status", result.Status)
	table.Append("Progress", fmt.Sprintf("%d%%", result.Progress))
	table.Append("Attempts", fmt.Sprintf("%d", result.Attempts))

	if result.WorkerID != "" {
		table.Append("Worker", result.WorkerID)
	}
	if result.OutputURL != "" {
		table.Append("Output URL", result.OutputURL)
	}
	if result.FailedReason != "" {
		table.Append("Failed Reason", result.FailedReason)
	}

	table.Render()
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	endpoint := fmt.Sprintf("%s/render/cancel/%s", GetServerURL(), url.PathEscape(jobID))

	httpReq, err := CreateAuthenticatedRequest("DELETE", endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := GetHTTPClient()
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to render API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	fmt.Printf("✓ Cancellation requested for job %s\n", jobID)
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	endpoint := fmt.Sprintf("%s/render/jobs?userId=%s", GetServerURL(), url.QueryEscape(listUser))

	httpReq, err := CreateAuthenticatedRequest("GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := GetHTTPClient()
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to render API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var jobs []jobSummary
	if err := json.Unmarshal(body, &jobs); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(jobs, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
	} else {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Job ID", "Project", "Status", "Progress", "Priority", "Result", "Created")

		for _, job := range jobs {
			resultDisplay := "-"
			if job.OutputURL != "" {
				resultDisplay = job.OutputURL
			} else if job.FailedReason != "" {
				resultDisplay = job.FailedReason
			}

			table.Append(
				shortID(job.ID),
				job.ProjectID,
				job.Status,
				fmt.Sprintf("%d%%", job.Progress),
				fmt.Sprintf("%d", job.Priority),
				resultDisplay,
				job.CreatedAt.Format("2006-01-02 15:04"),
			)
		}

		table.Render()
		fmt.Printf("\nTotal jobs: %d\n", len(jobs))
	}

	return nil
}

// shortID truncates a UUID for table display
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
