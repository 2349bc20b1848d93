package models

import "time"

// Host lifecycle states.
const (
	HostPending = "pending"
	HostOnline  = "online"
	HostDown    = "down"
)

type Host struct {
	Hostname    string
	State       string
	SortWeight  int
	FirstSeenAt time.Time
	PublicAddr  string
	PrivateAddr string
	CountryCode string
}

type Snapshot struct {
	Hostname       string
	CPUPct         float64
	MemUsedBytes   int64
	MemTotalBytes  int64
	DiskUsedBytes  int64
	DiskTotalBytes int64
	NetRXBytes     int64
	NetTXBytes     int64
	UptimeSec      int64
	ReportedAt     time.Time
}

type ProbeTarget struct {
	ID          int64
	Name        string
	Addr        string
	Port        int
	IntervalSec int
	Enabled     bool
	SortWeight  int
}

// FailedLatencyMS marks a sample where the probe could not complete.
const FailedLatencyMS = -1

type ProbeSample struct {
	Hostname   string
	TargetID   int64
	LatencyMS  float64
	ReportedAt time.Time
}

func (s ProbeSample) Failed() bool { return s.LatencyMS < 0 }

// ShellCredential holds the login for automatic shell sessions to one host.
// The secret stays recoverable so a later session can replay it against the
// destination; at most one credential exists per host.
type ShellCredential struct {
	Hostname  string
	Username  string
	Secret    string
	CreatedAt time.Time
}
