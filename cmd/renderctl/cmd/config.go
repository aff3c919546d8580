package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/psantana5/renderflow/pkg/logging"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Client configuration and ops artifacts",
	Long:  `Commands for inspecting the resolved client configuration and generating deployment artifacts.`,
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long:  `Write a starter config file to $HOME/.renderflow/config.yaml. Refuses to overwrite an existing file.`,
	RunE:  runConfigInit,
}

// configShowCmd represents the config show command
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved client configuration",
	Long:  `Show the server URL, output format and API key state after flags, config file and environment are merged.`,
	RunE:  runConfigShow,
}

// configLogrotateCmd represents the config logrotate command
var configLogrotateCmd = &cobra.Command{
	Use:   "logrotate",
	Short: "Print a logrotate config for renderd",
	Long: `Print a logrotate(8) configuration for the renderd daemon logs.

Install: renderctl config logrotate | sudo tee /etc/logrotate.d/renderflow`,
	RunE: runConfigLogrotate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configLogrotateCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to find home directory: %w", err)
	}

	configDir := filepath.Join(home, ".renderflow")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", configDir, err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists at %s", configPath)
	}

	content := fmt.Sprintf(`# renderctl configuration
server_url: %s
# api_key: <key configured on your renderd server>
`, GetServerURL())

	// 0600: the file is meant to hold the API key
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", configPath, err)
	}

	fmt.Printf("✓ Wrote %s\n", configPath)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	keyState := "not set"
	if GetAPIKey() != "" {
		keyState = "set"
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(map[string]string{
			"serverUrl":    GetServerURL(),
			"outputFormat": outputFormat,
			"apiKey":       keyState,
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	fmt.Printf("Server URL: %s\n", GetServerURL())
	fmt.Printf("Output format: %s\n", outputFormat)
	fmt.Printf("API key: %s\n", keyState)
	return nil
}

func runConfigLogrotate(cmd *cobra.Command, args []string) error {
	fmt.Print(logging.GenerateLogrotateConfig())
	return nil
}
