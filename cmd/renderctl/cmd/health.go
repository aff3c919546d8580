package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health",
	Long:  `Check that the renderd server is up and its job store is reachable.`,
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
	Time   string `json:"time"`
}

func runHealth(cmd *cobra.Command, args []string) error {
	endpoint := fmt.Sprintf("%s/health", GetServerURL())

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

	var health healthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, _ := json.MarshalIndent(health, "", "  ")
		fmt.Println(string(output))
	} else {
		fmt.Printf("Status: %s\n", health.Status)
		fmt.Printf("Uptime: %s\n", health.Uptime)
		fmt.Printf("Server time: %s\n", health.Time)
	}

	// A degraded store answers 503 with a body; report it as an error exit
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server reported %s (status %d)", health.Status, resp.StatusCode)
	}

	return nil
}
