package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus is the lifecycle state of a scan job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// ValidTransition reports whether moving from s to next is allowed by the
// job state machine. Terminal states are immutable.
func (s JobStatus) ValidTransition(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case JobPending:
		return next == JobInProgress || next == JobFailed || next == JobCancelled
	case JobInProgress:
		return next == JobCompleted || next == JobFailed || next == JobCancelled
	}
	return false
}

// Depth is the requested scan depth (1..3). It maps onto a multiplier that
// widens or narrows each provider's checks without changing their contract.
type Depth int

const (
	DepthQuick    Depth = 1
	DepthStandard Depth = 2
	DepthDeep     Depth = 3
)

// Factor returns the depth factor for this depth: 0.5, 1.0 or 2.0.
func (d Depth) Factor() float64 {
	switch d {
	case DepthQuick:
		return 0.5
	case DepthDeep:
		return 2.0
	default:
		return 1.0
	}
}

// Validate rejects depths outside 1..3.
func (d Depth) Validate() error {
	if d < DepthQuick || d > DepthDeep {
		return fmt.Errorf("depth must be between 1 and 3, got %d", int(d))
	}
	return nil
}

// ErrNoChecksEnabled rejects scan requests with every check turned off.
var ErrNoChecksEnabled = errors.New("at least one check must be enabled")

// ScanOptions is the explicit set of check toggles for one job. The fields
// are fixed and named; unknown keys in client payloads are rejected at the
// API boundary rather than silently ignored.
type ScanOptions struct {
	TLSCheck         bool `json:"tls_check" yaml:"tls_check"`
	HeaderAnalysis   bool `json:"header_analysis" yaml:"header_analysis"`
	PortScan         bool `json:"port_scan" yaml:"port_scan"`
	VulnDetection    bool `json:"vuln_detection" yaml:"vuln_detection"`
	ContentAnalysis  bool `json:"content_analysis" yaml:"content_analysis"`
	PerformanceCheck bool `json:"performance_check" yaml:"performance_check"`
}

// Any reports whether at least one check is enabled.
func (o ScanOptions) Any() bool {
	return o.TLSCheck || o.HeaderAnalysis || o.PortScan ||
		o.VulnDetection || o.ContentAnalysis || o.PerformanceCheck
}

// Enabled reports whether the named component is enabled.
func (o ScanOptions) Enabled(c Component) bool {
	switch c {
	case ComponentTLS:
		return o.TLSCheck
	case ComponentHeaders:
		return o.HeaderAnalysis
	case ComponentPorts:
		return o.PortScan
	case ComponentVulns:
		return o.VulnDetection
	case ComponentContent:
		return o.ContentAnalysis
	case ComponentPerformance:
		return o.PerformanceCheck
	}
	return false
}

// Component identifies one scanner category.
type Component string

const (
	ComponentTLS         Component = "tls"
	ComponentHeaders     Component = "headers"
	ComponentPorts       Component = "ports"
	ComponentVulns       Component = "vulnerabilities"
	ComponentContent     Component = "content"
	ComponentPerformance Component = "performance"
)

// Components lists all known components in their fixed execution order.
func Components() []Component {
	return []Component{
		ComponentTLS,
		ComponentHeaders,
		ComponentPorts,
		ComponentVulns,
		ComponentContent,
		ComponentPerformance,
	}
}

// ParseComponent canonicalizes a component name. Returns an error for
// anything outside the closed set.
func ParseComponent(raw string) (Component, error) {
	c := Component(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Components() {
		if c == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown component %q", raw)
}

// ScanJob is one user-initiated scan request. The record is created by the
// orchestrator, enqueued, and then mutated exclusively by the single worker
// that claims it; external callers only set the cancel-request flag or
// delete the whole job once no worker owns it.
type ScanJob struct {
	ID              string      `json:"id"`
	Target          string      `json:"target"`
	Depth           Depth       `json:"depth"`
	Options         ScanOptions `json:"options"`
	OwnerID         string      `json:"owner_id"`
	Status          JobStatus   `json:"status"`
	Progress        int         `json:"progress"`
	CreatedAt       time.Time   `json:"created_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	LastError       string      `json:"last_error,omitempty"`
	QueueID         string      `json:"queue_id,omitempty"`
	CancelRequested bool        `json:"cancel_requested,omitempty"`
}
