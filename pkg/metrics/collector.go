// Package metrics serves the Prometheus scrape surface of the render
// service. Queue gauges are read from the store on every scrape; host
// metrics come from gopsutil; registered client_golang collectors (HTTP
// traffic, runtime) are appended behind the hand-written block.
package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/psantana5/renderflow/pkg/models"
	"github.com/psantana5/renderflow/pkg/store"
)

// jobStates is every state exported on each scrape, even at zero, so
// dashboards never see series appear and disappear.
var jobStates = []models.JobStatus{
	models.JobStatusQueued,
	models.JobStatusProcessing,
	models.JobStatusCompleted,
	models.JobStatusFailed,
	models.JobStatusCancelled,
}

// ActiveCounter reports how many jobs this process is rendering right now.
// Implemented by the worker pool.
type ActiveCounter interface {
	RunningCount() int
}

// Collector serves queue and host metrics in Prometheus text format
type Collector struct {
	store     store.Store
	pool      ActiveCounter
	startTime time.Time
}

// NewCollector creates a collector over the job store
func NewCollector(s store.Store) *Collector {
	return &Collector{
		store:     s,
		startTime: time.Now(),
	}
}

// AttachPool wires the worker pool in after construction so the scrape can
// report in-process render concurrency.
func (c *Collector) AttachPool(p ActiveCounter) {
	c.pool = p
}

// ServeHTTP serves Prometheus-compatible metrics at /metrics
func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	jobMetrics, err := c.store.GetJobMetrics()
	if err != nil {
		http.Error(w, fmt.Sprintf("Error collecting job metrics: %v", err), http.StatusInternalServerError)
		return
	}

	fmt.Fprintf(w, "# HELP renderflow_uptime_seconds Time since the service started\n")
	fmt.Fprintf(w, "# TYPE renderflow_uptime_seconds gauge\n")
	fmt.Fprintf(w, "renderflow_uptime_seconds %.0f\n", time.Since(c.startTime).Seconds())

	fmt.Fprintf(w, "\n# HELP renderflow_jobs_total Total number of jobs by state\n")
	fmt.Fprintf(w, "# TYPE renderflow_jobs_total counter\n")
	for _, state := range jobStates {
		fmt.Fprintf(w, "renderflow_jobs_total{state=\"%s\"} %d\n", state, jobMetrics.JobsByState[string(state)])
	}

	fmt.Fprintf(w, "\n# HELP renderflow_queue_length Number of jobs waiting in the queue\n")
	fmt.Fprintf(w, "# TYPE renderflow_queue_length gauge\n")
	fmt.Fprintf(w, "renderflow_queue_length %d\n", jobMetrics.QueueLength)

	fmt.Fprintf(w, "\n# HELP renderflow_active_jobs Number of jobs currently processing\n")
	fmt.Fprintf(w, "# TYPE renderflow_active_jobs gauge\n")
	fmt.Fprintf(w, "renderflow_active_jobs %d\n", jobMetrics.ActiveJobs)

	fmt.Fprintf(w, "\n# HELP renderflow_queue_by_priority Waiting jobs by effective priority\n")
	fmt.Fprintf(w, "# TYPE renderflow_queue_by_priority gauge\n")
	for _, priority := range priorityLevels(jobMetrics.QueueByPriority) {
		fmt.Fprintf(w, "renderflow_queue_by_priority{priority=\"%d\"} %d\n", priority, jobMetrics.QueueByPriority[priority])
	}

	fmt.Fprintf(w, "\n# HELP renderflow_job_duration_seconds Average completed job duration in seconds\n")
	fmt.Fprintf(w, "# TYPE renderflow_job_duration_seconds gauge\n")
	fmt.Fprintf(w, "renderflow_job_duration_seconds %.2f\n", jobMetrics.AvgDuration)

	if c.pool != nil {
		fmt.Fprintf(w, "\n# HELP renderflow_pool_running Jobs rendering in this process\n")
		fmt.Fprintf(w, "# TYPE renderflow_pool_running gauge\n")
		fmt.Fprintf(w, "renderflow_pool_running %d\n", c.pool.RunningCount())
	}

	c.writeHostMetrics(w)
	c.writeGatheredMetrics(w)
}

// writeHostMetrics reports CPU and memory pressure of the render host
func (c *Collector) writeHostMetrics(w http.ResponseWriter) {
	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		fmt.Fprintf(w, "\n# HELP renderflow_cpu_usage Host CPU usage percentage (0-100)\n")
		fmt.Fprintf(w, "# TYPE renderflow_cpu_usage gauge\n")
		fmt.Fprintf(w, "renderflow_cpu_usage %.2f\n", cpuPercent[0])
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		fmt.Fprintf(w, "\n# HELP renderflow_memory_used_bytes Host memory in use\n")
		fmt.Fprintf(w, "# TYPE renderflow_memory_used_bytes gauge\n")
		fmt.Fprintf(w, "renderflow_memory_used_bytes %d\n", memInfo.Used)
	}
}

// writeGatheredMetrics appends everything registered with the default
// client_golang registry (HTTP traffic vectors, Go runtime collectors).
func (c *Collector) writeGatheredMetrics(w http.ResponseWriter) {
	metricFamilies, err := promclient.DefaultGatherer.Gather()
	if err != nil {
		fmt.Fprintf(w, "# Error gathering registered metrics: %v\n", err)
		return
	}

	fmt.Fprintf(w, "\n")
	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range metricFamilies {
		if err := encoder.Encode(mf); err != nil {
			continue
		}
	}
	w.Write(buf.Bytes())
}

// priorityLevels returns the level set to export: the base tiers 1-4 always,
// plus any aged levels present, in ascending order.
func priorityLevels(byPriority map[int]int64) []int {
	seen := map[int]bool{1: true, 2: true, 3: true, 4: true}
	levels := []int{1, 2, 3, 4}
	for p := range byPriority {
		if !seen[p] {
			seen[p] = true
			levels = append(levels, p)
		}
	}
	sort.Ints(levels)
	return levels
}
