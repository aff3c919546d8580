package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	tlsutil "github.com/psantana5/renderflow/pkg/tls"
)

var (
	serverURL    string
	outputFormat string
	cfgFile      string
	apiKey       string

	insecureTLS    bool
	caFile         string
	clientCertFile string
	clientKeyFile  string
)

var (
	httpClientOnce sync.Once
	httpClient     *http.Client
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "renderctl",
	Short: "CLI for the renderflow render service",
	Long:  `renderctl is a command line interface for submitting, inspecting and cancelling render jobs on a renderd server.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.renderflow/config)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "renderd API URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().BoolVar(&insecureTLS, "insecure", false, "skip TLS certificate verification")
	rootCmd.PersistentFlags().StringVar(&caFile, "ca", "", "CA certificate for verifying the server")
	rootCmd.PersistentFlags().StringVar(&clientCertFile, "cert", "", "client certificate for mutual TLS")
	rootCmd.PersistentFlags().StringVar(&clientKeyFile, "key", "", "client key for mutual TLS")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		// Search config in home directory with name ".renderflow/config" (without extension)
		configDir := filepath.Join(home, ".renderflow")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv() // read in environment variables that match

	// Bind specific environment variables
	viper.BindEnv("api_key", "RENDERD_API_KEY")
	viper.BindEnv("server_url", "RENDERD_URL")

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil {
		if viper.GetString("server_url") != "" && serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if viper.GetString("api_key") != "" && apiKey == "" {
			apiKey = viper.GetString("api_key")
		}
	}

	// Check environment variables if not set from config
	if apiKey == "" && viper.GetString("api_key") != "" {
		apiKey = viper.GetString("api_key")
	}
	if serverURL == "" && viper.GetString("server_url") != "" {
		serverURL = viper.GetString("server_url")
	}

	// Set default if still empty
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
}

// GetServerURL returns the configured server URL with trailing slashes removed
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// GetAPIKey returns the configured API key
func GetAPIKey() string {
	return apiKey
}

// CreateAuthenticatedRequest creates an HTTP request with authentication header if API key is configured
func CreateAuthenticatedRequest(method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}

	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	return req, nil
}

// GetHTTPClient returns the shared HTTP client, honoring the TLS flags.
// renderd commonly runs with a self-signed certificate, so --ca or --insecure
// is needed against TLS-enabled servers.
func GetHTTPClient() *http.Client {
	httpClientOnce.Do(func() {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(clientCertFile, clientKeyFile, caFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading TLS configuration: %v\n", err)
			os.Exit(1)
		}
		tlsConfig.InsecureSkipVerify = insecureTLS

		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = tlsConfig

		httpClient = &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		}
	})
	return httpClient
}
