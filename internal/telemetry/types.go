package telemetry

import (
	"encoding/json"
	"fmt"
	"time"
)

type Severity int

const (
	Low Severity = iota
	Medium
	High
	Critical
)

var severityNames = map[Severity]string{
	Low:      "low",
	Medium:   "medium",
	High:     "high",
	Critical: "critical",
}

var severityFromName = map[string]Severity{
	"low":      Low,
	"medium":   Medium,
	"high":     High,
	"critical": Critical,
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	v, ok := severityFromName[n]
	if !ok {
		return fmt.Errorf("unknown severity %q", n)
	}
	*s = v
	return nil
}

type Health int

const (
	Healthy Health = iota
	Warning
	Failing
)

var healthNames = map[Health]string{
	Healthy: "healthy",
	Warning: "warning",
	Failing: "critical",
}

var healthFromName = map[string]Health{
	"healthy":  Healthy,
	"warning":  Warning,
	"critical": Failing,
}

func (h Health) String() string {
	if n, ok := healthNames[h]; ok {
		return n
	}
	return "unknown"
}

func (h Health) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *Health) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	v, ok := healthFromName[n]
	if !ok {
		return fmt.Errorf("unknown health %q", n)
	}
	*h = v
	return nil
}

// Alert is a single synthetic security alert. The Type field carries the
// severity tier; Severity is the numeric score derived from it.
type Alert struct {
	ID          string    `json:"id"`
	Type        Severity  `json:"type"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
	Resolved    bool      `json:"resolved"`
	Severity    int       `json:"severity"`
}

type Metrics struct {
	ThreatsBlocked    int       `json:"threatsBlocked"`
	ActiveConnections int       `json:"activeConnections"`
	CPUUsage          float64   `json:"cpuUsage"`
	MemoryUsage       float64   `json:"memoryUsage"`
	NetworkThroughput int       `json:"networkThroughput"`
	ResponseTime      int       `json:"responseTime"`
	Timestamp         time.Time `json:"timestamp"`
}

type ServiceStatus struct {
	Name         string  `json:"name"`
	Status       Health  `json:"status"`
	ResponseTime int     `json:"responseTime"`
	Uptime       float64 `json:"uptime"`
}

type NetworkStatus struct {
	Services    []ServiceStatus `json:"services"`
	TotalNodes  int             `json:"totalNodes"`
	ActiveNodes int             `json:"activeNodes"`
	Timestamp   time.Time       `json:"timestamp"`
}

type Threat struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Blocked   bool      `json:"blocked"`
}

// Snapshot is the latest value per telemetry category. Metrics and
// NetworkStatus are nil until their first tick and encode as {} meanwhile.
type Snapshot struct {
	Alerts        []Alert        `json:"alerts"`
	Metrics       *Metrics       `json:"metrics"`
	NetworkStatus *NetworkStatus `json:"networkStatus"`
	Threats       []Threat       `json:"threats"`
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := struct {
		Alerts        []Alert  `json:"alerts"`
		Metrics       any      `json:"metrics"`
		NetworkStatus any      `json:"networkStatus"`
		Threats       []Threat `json:"threats"`
	}{
		Alerts:        s.Alerts,
		Metrics:       struct{}{},
		NetworkStatus: struct{}{},
		Threats:       s.Threats,
	}
	if out.Alerts == nil {
		out.Alerts = []Alert{}
	}
	if out.Threats == nil {
		out.Threats = []Threat{}
	}
	if s.Metrics != nil {
		out.Metrics = s.Metrics
	}
	if s.NetworkStatus != nil {
		out.NetworkStatus = s.NetworkStatus
	}
	return json.Marshal(out)
}
