// Package protocol defines the framed JSON messages exchanged between the
// gateway and node daemons. Every frame is a JSON object whose "type" field
// discriminates the variant. Task-lifecycle frames are accepted under both
// the canonical "task:*" names and the legacy "viber:*" aliases.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is bumped on incompatible wire changes.
const ProtocolVersion = 3

// Frame type discriminators (canonical forms).
const (
	TypeConnected   = "connected"
	TypeTaskSubmit  = "task:submit"
	TypeTaskStop    = "task:stop"
	TypeTaskMessage = "task:message"

	TypeTaskStarted     = "task:started"
	TypeTaskProgress    = "task:progress"
	TypeTaskStreamChunk = "task:stream-chunk"
	TypeTaskCompleted   = "task:completed"
	TypeTaskError       = "task:error"

	TypePing      = "ping"
	TypePong      = "pong"
	TypeHeartbeat = "heartbeat"

	TypeJobsList = "jobs:list"
	TypeJobPush  = "job:push"

	TypeStatusRequest = "status:request"
	TypeStatusReport  = "status:report"

	TypeConfigPush = "config:push"
	TypeConfigAck  = "config:ack"

	TypeSkillProvision       = "skill:provision"
	TypeSkillProvisionResult = "skill:provision-result"

	TypeTerminalOpen   = "terminal:open"
	TypeTerminalInput  = "terminal:input"
	TypeTerminalOutput = "terminal:output"
	TypeTerminalResize = "terminal:resize"
	TypeTerminalClose  = "terminal:close"
)

// legacyAliases maps the older viber:* names onto canonical task:* types.
var legacyAliases = map[string]string{
	"viber:create":       TypeTaskSubmit,
	"viber:submit":       TypeTaskSubmit,
	"viber:stop":         TypeTaskStop,
	"viber:message":      TypeTaskMessage,
	"viber:started":      TypeTaskStarted,
	"viber:progress":     TypeTaskProgress,
	"viber:stream-chunk": TypeTaskStreamChunk,
	"viber:completed":    TypeTaskCompleted,
	"viber:error":        TypeTaskError,
}

// CanonicalType resolves legacy aliases to the canonical frame type.
func CanonicalType(t string) string {
	if c, ok := legacyAliases[t]; ok {
		return c
	}
	return t
}

// Message is implemented by every wire frame variant.
type Message interface {
	FrameType() string
}

// Intervention modes for TaskMessage.
const (
	ModeFollowup = "followup"
	ModeSteer    = "steer"
	ModeCollect  = "collect"
)

// ChatMessage is one entry of a task's message history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OAuthToken is a per-task credential forwarded to the daemon.
type OAuthToken struct {
	Provider     string `json:"provider,omitempty"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"` // ISO-8601 UTC
}

// Environment describes where and how a task runs on the node.
type Environment struct {
	WorkingDir string            `json:"workingDir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// TaskResult is the terminal payload of a completed task.
type TaskResult struct {
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Connected is the daemon handshake, sent once after upgrade.
type Connected struct {
	Type         string            `json:"type"`
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Platform     string            `json:"platform"`
	Arch         string            `json:"arch,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Skills       []SkillDescriptor `json:"skills,omitempty"`
	RunningTasks []string          `json:"runningTasks,omitempty"`
}

func (*Connected) FrameType() string { return TypeConnected }

// TaskSubmit starts a task on the daemon.
type TaskSubmit struct {
	Type        string                `json:"type"`
	ID          string                `json:"id"`
	Goal        string                `json:"goal"`
	Model       string                `json:"model,omitempty"`
	Options     map[string]any        `json:"options,omitempty"`
	Messages    []ChatMessage         `json:"messages,omitempty"`
	Environment *Environment          `json:"environment,omitempty"`
	Settings    map[string]any        `json:"settings,omitempty"`
	OAuthTokens map[string]OAuthToken `json:"oauthTokens,omitempty"`
}

func (*TaskSubmit) FrameType() string { return TypeTaskSubmit }

// TaskStop aborts a task.
type TaskStop struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (*TaskStop) FrameType() string { return TypeTaskStop }

// TaskMessage injects a user message into a running task.
type TaskMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Message string `json:"message"`
	Mode    string `json:"mode,omitempty"` // followup (default), steer, collect
}

func (*TaskMessage) FrameType() string { return TypeTaskMessage }

// TaskStarted acknowledges a TaskSubmit.
type TaskStarted struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	SpaceID string `json:"spaceId,omitempty"`
}

func (*TaskStarted) FrameType() string { return TypeTaskStarted }

// TaskProgress carries one progress envelope.
type TaskProgress struct {
	Type string `json:"type"`
	Envelope
}

func (*TaskProgress) FrameType() string { return TypeTaskProgress }

// TaskStreamChunk pipes raw SSE bytes verbatim to HTTP subscribers.
type TaskStreamChunk struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Chunk string `json:"chunk"`
}

func (*TaskStreamChunk) FrameType() string { return TypeTaskStreamChunk }

// TaskCompleted is the terminal success frame.
type TaskCompleted struct {
	Type   string      `json:"type"`
	ID     string      `json:"id"`
	Result *TaskResult `json:"result,omitempty"`
}

func (*TaskCompleted) FrameType() string { return TypeTaskCompleted }

// TaskError is the terminal failure frame.
type TaskError struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Error string `json:"error"`
	Model string `json:"model,omitempty"`
}

func (*TaskError) FrameType() string { return TypeTaskError }

// Ping / Pong are liveness probes, valid in both directions.
type Ping struct {
	Type string `json:"type"`
}

func (*Ping) FrameType() string { return TypePing }

type Pong struct {
	Type string `json:"type"`
}

func (*Pong) FrameType() string { return TypePong }

// Heartbeat is the periodic daemon status push.
type Heartbeat struct {
	Type   string          `json:"type"`
	Status HeartbeatStatus `json:"status"`
}

func (*Heartbeat) FrameType() string { return TypeHeartbeat }

// JobsList declares the scheduled jobs loaded on a node.
type JobsList struct {
	Type string          `json:"type"`
	Jobs []JobDescriptor `json:"jobs"`
}

func (*JobsList) FrameType() string { return TypeJobsList }

// JobPush installs a scheduled job on a node.
type JobPush struct {
	Type string        `json:"type"`
	Job  JobDescriptor `json:"job"`
}

func (*JobPush) FrameType() string { return TypeJobPush }

// StatusRequest demands a fresh status snapshot.
type StatusRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
}

func (*StatusRequest) FrameType() string { return TypeStatusRequest }

// StatusReport answers a StatusRequest.
type StatusReport struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Status    HeartbeatStatus `json:"status"`
}

func (*StatusReport) FrameType() string { return TypeStatusReport }

// ConfigPush tells the daemon to re-pull its authoritative config.
type ConfigPush struct {
	Type string `json:"type"`
}

func (*ConfigPush) FrameType() string { return TypeConfigPush }

// ConfigAck reports the daemon's config state after a pull.
type ConfigAck struct {
	Type          string             `json:"type"`
	ConfigVersion string             `json:"configVersion"`
	Validations   []ValidationResult `json:"validations"`
}

func (*ConfigAck) FrameType() string { return TypeConfigAck }

// SkillProvision requests a skill install or auth kickoff on the node.
type SkillProvision struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	SkillID   string `json:"skillId"`
}

func (*SkillProvision) FrameType() string { return TypeSkillProvision }

// SkillProvisionResult reports the provisioning outcome.
type SkillProvisionResult struct {
	Type       string `json:"type"`
	RequestID  string `json:"requestId,omitempty"`
	SkillID    string `json:"skillId"`
	OK         bool   `json:"ok"`
	Ready      bool   `json:"ready"`
	InstallLog string `json:"installLog,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (*SkillProvisionResult) FrameType() string { return TypeSkillProvisionResult }

// Terminal frames relay terminal sessions between clients and the node.
type TerminalOpen struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
}

func (*TerminalOpen) FrameType() string { return TypeTerminalOpen }

type TerminalInput struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

func (*TerminalInput) FrameType() string { return TypeTerminalInput }

type TerminalOutput struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

func (*TerminalOutput) FrameType() string { return TypeTerminalOutput }

type TerminalResize struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

func (*TerminalResize) FrameType() string { return TypeTerminalResize }

type TerminalClose struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
}

func (*TerminalClose) FrameType() string { return TypeTerminalClose }

// ErrUnknownType wraps an unrecognised frame type. Callers log and drop
// these frames; they never terminate the connection.
type ErrUnknownType struct {
	TypeName string
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("protocol: unknown frame type %q", e.TypeName)
}

// Decode parses a wire frame into its typed variant. Legacy viber:* names
// are resolved to their task:* equivalents before dispatch.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("protocol: decode head: %w", err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("protocol: frame missing type")
	}

	var msg Message
	switch CanonicalType(head.Type) {
	case TypeConnected:
		msg = &Connected{}
	case TypeTaskSubmit:
		msg = &TaskSubmit{}
	case TypeTaskStop:
		msg = &TaskStop{}
	case TypeTaskMessage:
		msg = &TaskMessage{}
	case TypeTaskStarted:
		msg = &TaskStarted{}
	case TypeTaskProgress:
		msg = &TaskProgress{}
	case TypeTaskStreamChunk:
		msg = &TaskStreamChunk{}
	case TypeTaskCompleted:
		msg = &TaskCompleted{}
	case TypeTaskError:
		msg = &TaskError{}
	case TypePing:
		msg = &Ping{}
	case TypePong:
		msg = &Pong{}
	case TypeHeartbeat:
		msg = &Heartbeat{}
	case TypeJobsList:
		msg = &JobsList{}
	case TypeJobPush:
		msg = &JobPush{}
	case TypeStatusRequest:
		msg = &StatusRequest{}
	case TypeStatusReport:
		msg = &StatusReport{}
	case TypeConfigPush:
		msg = &ConfigPush{}
	case TypeConfigAck:
		msg = &ConfigAck{}
	case TypeSkillProvision:
		msg = &SkillProvision{}
	case TypeSkillProvisionResult:
		msg = &SkillProvisionResult{}
	case TypeTerminalOpen:
		msg = &TerminalOpen{}
	case TypeTerminalInput:
		msg = &TerminalInput{}
	case TypeTerminalOutput:
		msg = &TerminalOutput{}
	case TypeTerminalResize:
		msg = &TerminalResize{}
	case TypeTerminalClose:
		msg = &TerminalClose{}
	default:
		return nil, &ErrUnknownType{TypeName: head.Type}
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", head.Type, err)
	}
	setFrameType(msg)
	return msg, nil
}

// Encode marshals a frame, stamping the canonical type discriminator.
func Encode(m Message) ([]byte, error) {
	setFrameType(m)
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.FrameType(), err)
	}
	return data, nil
}

// setFrameType writes the canonical discriminator into the variant's Type
// field so encoded frames always carry it, and decoded frames normalise
// legacy aliases.
func setFrameType(m Message) {
	switch v := m.(type) {
	case *Connected:
		v.Type = TypeConnected
	case *TaskSubmit:
		v.Type = TypeTaskSubmit
	case *TaskStop:
		v.Type = TypeTaskStop
	case *TaskMessage:
		v.Type = TypeTaskMessage
	case *TaskStarted:
		v.Type = TypeTaskStarted
	case *TaskProgress:
		v.Type = TypeTaskProgress
	case *TaskStreamChunk:
		v.Type = TypeTaskStreamChunk
	case *TaskCompleted:
		v.Type = TypeTaskCompleted
	case *TaskError:
		v.Type = TypeTaskError
	case *Ping:
		v.Type = TypePing
	case *Pong:
		v.Type = TypePong
	case *Heartbeat:
		v.Type = TypeHeartbeat
	case *JobsList:
		v.Type = TypeJobsList
	case *JobPush:
		v.Type = TypeJobPush
	case *StatusRequest:
		v.Type = TypeStatusRequest
	case *StatusReport:
		v.Type = TypeStatusReport
	case *ConfigPush:
		v.Type = TypeConfigPush
	case *ConfigAck:
		v.Type = TypeConfigAck
	case *SkillProvision:
		v.Type = TypeSkillProvision
	case *SkillProvisionResult:
		v.Type = TypeSkillProvisionResult
	case *TerminalOpen:
		v.Type = TypeTerminalOpen
	case *TerminalInput:
		v.Type = TypeTerminalInput
	case *TerminalOutput:
		v.Type = TypeTerminalOutput
	case *TerminalResize:
		v.Type = TypeTerminalResize
	case *TerminalClose:
		v.Type = TypeTerminalClose
	}
}
