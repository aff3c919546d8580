package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// queueCmd represents the queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the render queue",
	Long:  `Commands for inspecting the server-side render queue.`,
}

// queueStatsCmd represents the queue stats command
var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate queue counts",
	Long:  `Show how many jobs are waiting, active and finished on the server.`,
	RunE:  runQueueStats,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatsCmd)
}

type queueStatsResponse struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	endpoint := fmt.Sprintf("%s/render/queue/stats", GetServerURL())

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

	var stats queueStatsResponse
	if err := json.Unmarshal(body, &stats); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
	} else {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("State", "Jobs")

		table.Append("Waiting", fmt.Sprintf("%d", stats.Waiting))
		table.Append("Active", fmt.Sprintf("%d", stats.Active))
		table.Append("Completed", fmt.Sprintf("%d", stats.Completed))
		table.Append("Failed", fmt.Sprintf("%d", stats.Failed))
		table.Append("Cancelled", fmt.Sprintf("%d", stats.Cancelled))

		table.Render()

		total := stats.Waiting + stats.Active + stats.Completed + stats.Failed + stats.Cancelled
		fmt.Printf("\nTotal jobs: %d\n", total)
	}

	return nil
}
