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

// presetsCmd represents the presets command
var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List render presets",
	Long:  `List the quality tiers, output containers and aspect ratios the server accepts.`,
	RunE:  runPresets,
}

func init() {
	rootCmd.AddCommand(presetsCmd)
}

type qualityPreset struct {
	Name         string `json:"name"`
	VideoBitrate string `json:"videoBitrate"`
	AudioBitrate string `json:"audioBitrate"`
	Priority     int    `json:"priority"`
}

type formatPreset struct {
	Name       string `json:"name"`
	VideoCodec string `json:"videoCodec"`
	AudioCodec string `json:"audioCodec"`
}

type aspectPreset struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Label  string `json:"label"`
}

type presetCatalogResponse struct {
	Qualities    []qualityPreset `json:"qualities"`
	Formats      []formatPreset  `json:"formats"`
	AspectRatios []aspectPreset  `json:"aspectRatios"`
}

func runPresets(cmd *cobra.Command, args []string) error {
	endpoint := fmt.Sprintf("%s/render/presets", GetServerURL())

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

	var catalog presetCatalogResponse
	if err := json.Unmarshal(body, &catalog); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(catalog, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	fmt.Println("Quality tiers:")
	qualities := tablewriter.NewWriter(os.Stdout)
	qualities.Header("Name", "Video Bitrate", "Audio Bitrate", "Priority")
	for _, q := range catalog.Qualities {
		qualities.Append(q.Name, q.VideoBitrate, q.AudioBitrate, fmt.Sprintf("%d", q.Priority))
	}
	qualities.Render()

	fmt.Println("\nOutput formats:")
	formats := tablewriter.NewWriter(os.Stdout)
	formats.Header("Name", "Video Codec", "Audio Codec")
	for _, f := range catalog.Formats {
		formats.Append(f.Name, f.VideoCodec, f.AudioCodec)
	}
	formats.Render()

	fmt.Println("\nAspect ratios:")
	aspects := tablewriter.NewWriter(os.Stdout)
	aspects.Header("Name", "Width", "Height", "Label")
	for _, a := range catalog.AspectRatios {
		aspects.Append(a.Name, fmt.Sprintf("%d", a.Width), fmt.Sprintf("%d", a.Height), a.Label)
	}
	aspects.Render()

	return nil
}
