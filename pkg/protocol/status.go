package protocol

// Validation categories and statuses reported in ConfigState.
const (
	CategoryLLMKeys    = "llm_keys"
	CategoryOAuth      = "oauth"
	CategoryEnvSecrets = "env_secrets"
	CategorySkills     = "skills"
	CategoryBinaryDeps = "binary_deps"

	ValidationVerified  = "verified"
	ValidationFailed    = "failed"
	ValidationUnchecked = "unchecked"
)

// ValidationResult is one per-category outcome of a config pull.
type ValidationResult struct {
	Category  string `json:"category"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	CheckedAt string `json:"checkedAt"` // ISO-8601 UTC
}

// ConfigState is the daemon's acknowledged view of deployment config.
type ConfigState struct {
	ConfigVersion    string             `json:"configVersion"`
	LastConfigPullAt string             `json:"lastConfigPullAt,omitempty"`
	Validations      []ValidationResult `json:"validations,omitempty"`
}

// SkillDescriptor describes one skill loaded on a node.
type SkillDescriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Available   bool   `json:"available"`
	Status      string `json:"status,omitempty"` // from the cached health report
}

// JobDescriptor describes one scheduled job loaded on a node.
type JobDescriptor struct {
	Name        string `json:"name"`
	Schedule    string `json:"schedule"` // cron expression
	Prompt      string `json:"prompt"`
	Description string `json:"description,omitempty"`
	Model       string `json:"model,omitempty"`
	NodeID      string `json:"nodeId,omitempty"`
}

// ProcessMemory mirrors the daemon process memory snapshot.
type ProcessMemory struct {
	RSS       uint64 `json:"rss"`
	HeapTotal uint64 `json:"heapTotal"`
	HeapUsed  uint64 `json:"heapUsed"`
	External  uint64 `json:"external,omitempty"`
}

// CPUSnapshot reports core count, model and usage percentages.
// PerCore is computed by differencing two jiffies samples; the first
// sample after daemon start reports zeros.
type CPUSnapshot struct {
	Cores   int       `json:"cores"`
	Model   string    `json:"model,omitempty"`
	PerCore []float64 `json:"perCore,omitempty"`
	Average float64   `json:"average"`
}

// MemorySnapshot reports system memory in bytes.
type MemorySnapshot struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"percent"`
}

// DiskSnapshot reports one mounted filesystem.
type DiskSnapshot struct {
	Mount       string  `json:"mount"`
	FSType      string  `json:"fsType,omitempty"`
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Available   uint64  `json:"available"`
	UsedPercent float64 `json:"percent"`
}

// NetInterfaceSnapshot reports one active non-loopback interface.
type NetInterfaceSnapshot struct {
	Name string   `json:"name"`
	MAC  string   `json:"mac,omitempty"`
	IPv4 []string `json:"ipv4,omitempty"`
	IPv6 []string `json:"ipv6,omitempty"`
}

// MachineSnapshot is the full machine resource picture in a heartbeat.
type MachineSnapshot struct {
	Hostname   string                 `json:"hostname"`
	Platform   string                 `json:"platform"`
	Arch       string                 `json:"arch"`
	UptimeSec  uint64                 `json:"uptimeSec"`
	CPU        CPUSnapshot            `json:"cpu"`
	Memory     MemorySnapshot         `json:"memory"`
	Disks      []DiskSnapshot         `json:"disks,omitempty"`
	LoadAvg    [3]float64             `json:"loadAvg"`
	Interfaces []NetInterfaceSnapshot `json:"interfaces,omitempty"`
}

// RunningTaskInfo summarises one active task in a viber snapshot.
type RunningTaskInfo struct {
	TaskID       string `json:"taskId"`
	Goal         string `json:"goal"`
	Model        string `json:"model,omitempty"`
	IsRunning    bool   `json:"isRunning"`
	MessageCount int    `json:"messageCount"`
}

// ViberSnapshot is the daemon's self-description in a heartbeat.
type ViberSnapshot struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Connected       bool              `json:"connected"`
	UptimeSec       float64           `json:"uptimeSec"`
	Memory          ProcessMemory     `json:"memory"`
	RunningTasks    []RunningTaskInfo `json:"runningTasks,omitempty"`
	Skills          []string          `json:"skills,omitempty"`
	Capabilities    []string          `json:"capabilities,omitempty"`
	SkillHealth     []SkillDescriptor `json:"skillHealth,omitempty"`
	TasksExecuted   int               `json:"tasksExecuted"`
	LastHeartbeatAt string            `json:"lastHeartbeatAt,omitempty"`
}

// HeartbeatStatus is the payload of Heartbeat and StatusReport frames.
type HeartbeatStatus struct {
	Platform     string            `json:"platform"`
	UptimeSec    float64           `json:"uptime"`
	Memory       ProcessMemory     `json:"memory"`
	RunningTasks int               `json:"runningTasks"`
	Machine      *MachineSnapshot  `json:"machine,omitempty"`
	ViberStatus  *ViberSnapshot    `json:"viberStatus,omitempty"`
	Skills       []SkillDescriptor `json:"skills,omitempty"`
	ConfigState  *ConfigState      `json:"configState,omitempty"`
}
