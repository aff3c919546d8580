package logging

import "fmt"

// GenerateLogrotateConfig creates a logrotate configuration for the daemon.
// Install: copy the output to /etc/logrotate.d/renderflow.
func GenerateLogrotateConfig() string {
	return fmt.Sprintf(`# Logrotate configuration for renderflow

/var/log/renderflow/*.log {
    daily
    rotate 14
    compress
    delaycompress
    missingok
    notifempty
    create 0644 renderflow renderflow
    sharedscripts
    postrotate
        systemctl reload %s 2>/dev/null || true
    endscript
}
`, "renderd")
}
