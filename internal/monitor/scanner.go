package monitor

import (
	"regexp"
	"strings"
)

// Scanner looks for known sandbox-escape and abuse patterns in submitted
// source and in program output. Findings are advisory: the isolation
// policy is what actually stops these, the scanner only surfaces intent.
type Scanner struct {
	patterns []Pattern
}

type Pattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Finding is one pattern hit.
type Finding struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

func NewScanner() *Scanner {
	return &Scanner{patterns: sourcePatterns()}
}

// ScanSource reports every (line, pattern) hit in source. Each pattern is
// reported at most once per line. A nil Scanner finds nothing.
func (s *Scanner) ScanSource(source []byte) []Finding {
	if s == nil {
		return nil
	}
	var findings []Finding
	for i, line := range strings.Split(string(source), "\n") {
		for _, p := range s.patterns {
			if p.Regex.MatchString(line) {
				findings = append(findings, Finding{
					Pattern:  p.Name,
					Severity: p.Severity.String(),
					Detail:   p.Description,
					Line:     i + 1,
				})
			}
		}
	}
	return findings
}

var outputPatterns = []struct {
	name   string
	substr string
	sev    Severity
}{
	{"kernel_leak", "Linux version", SeverityMedium},
	{"docker_socket", "docker.sock", SeverityCritical},
	{"containerd_socket", "containerd.sock", SeverityCritical},
	{"metadata_response", "ami-id", SeverityHigh},
}

// ScanOutput checks program output for signs that isolation leaked.
func (s *Scanner) ScanOutput(output string) []Finding {
	if s == nil {
		return nil
	}
	var findings []Finding
	for _, p := range outputPatterns {
		if strings.Contains(output, p.substr) {
			findings = append(findings, Finding{
				Pattern:  p.name,
				Severity: p.sev.String(),
				Detail:   "suspicious content in output: " + p.name,
			})
		}
	}
	return findings
}

func sourcePatterns() []Pattern {
	return []Pattern{
		{
			Name:        "shell_spawn",
			Description: "Spawning a shell or external process",
			Regex:       regexp.MustCompile(`os\.system|subprocess\.|os\.popen|Runtime\.getRuntime\(\)\.exec|new\s+ProcessBuilder|\b(system|popen|execve?|execvp)\s*\(`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "network_socket",
			Description: "Opening a network socket",
			Regex:       regexp.MustCompile(`import\s+socket|socket\.socket|\bsocket\s*\(\s*AF_INET|new\s+Socket\s*\(|urllib\.request|requests\.(get|post)`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "proc_self_access",
			Description: "Accessing /proc/self for process info",
			Regex:       regexp.MustCompile(`/proc/self/(root|exe|fd|ns|maps|mem|status)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "container_breakout",
			Description: "Attempting container breakout via cgroup",
			Regex:       regexp.MustCompile(`/sys/fs/cgroup|notify_on_release|release_agent`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "runtime_socket",
			Description: "Reaching for the container runtime socket",
			Regex:       regexp.MustCompile(`/var/run/docker|/run/containerd|docker\.sock`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "kernel_exploit",
			Description: "Potential kernel exploitation attempt",
			Regex:       regexp.MustCompile(`(?i)(dirty.?cow|dirty.?pipe|userfaultfd)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "metadata_service",
			Description: "Attempting to reach cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "native_code",
			Description: "Loading native code from an interpreted language",
			Regex:       regexp.MustCompile(`ctypes\.(CDLL|cdll)|System\.load(Library)?\s*\(|\bdlopen\s*\(`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "ptrace_attempt",
			Description: "Attempting to use ptrace for debugging/injection",
			Regex:       regexp.MustCompile(`(?i)(\bptrace\b|process_vm_readv|process_vm_writev|PTRACE_ATTACH)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "fork_bomb",
			Description: "Unbounded process creation",
			Regex:       regexp.MustCompile(`while\s*\(?\s*(1|true|True)\s*\)?\s*[:{]?\s*(os\.)?fork\s*\(`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "crypto_miner",
			Description: "Potential cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight)`),
			Severity:    SeverityMedium,
		},
	}
}
