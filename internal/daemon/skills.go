package daemon

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/openviber/openviber/pkg/protocol"
)

const provisionTimeout = 5 * time.Minute

// SkillSet tracks the skills declared on this node and handles provision
// requests. Provisioning shells out to the skill's install command, which
// only exists on linux and darwin.
type SkillSet struct {
	mu     sync.RWMutex
	skills map[string]*skillEntry
	goos   string // overridable in tests
}

type skillEntry struct {
	descriptor protocol.SkillDescriptor
	installCmd []string
}

// NewSkillSet creates a skill set for the current platform.
func NewSkillSet() *SkillSet {
	return &SkillSet{
		skills: make(map[string]*skillEntry),
		goos:   runtime.GOOS,
	}
}

// Declare registers a skill with an optional install command.
func (s *SkillSet) Declare(d protocol.SkillDescriptor, installCmd ...string) {
	s.mu.Lock()
	s.skills[d.ID] = &skillEntry{descriptor: d, installCmd: installCmd}
	s.mu.Unlock()
}

// Descriptors returns the declared skills with current availability.
func (s *SkillSet) Descriptors() []protocol.SkillDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.SkillDescriptor, 0, len(s.skills))
	for _, e := range s.skills {
		out = append(out, e.descriptor)
	}
	return out
}

// IDs returns the declared skill ids.
func (s *SkillSet) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.skills))
	for id := range s.skills {
		out = append(out, id)
	}
	return out
}

// Provision handles a skill:provision request. Platforms without install
// support report unavailable instead of failing the daemon.
func (s *SkillSet) Provision(ctx context.Context, req *protocol.SkillProvision) *protocol.SkillProvisionResult {
	result := &protocol.SkillProvisionResult{
		RequestID: req.RequestID,
		SkillID:   req.SkillID,
	}

	if s.goos != "linux" && s.goos != "darwin" {
		result.Error = fmt.Sprintf("skill provisioning unavailable on %s", s.goos)
		return result
	}

	s.mu.RLock()
	entry, ok := s.skills[req.SkillID]
	s.mu.RUnlock()
	if !ok {
		result.Error = fmt.Sprintf("unknown skill %s", req.SkillID)
		return result
	}

	if len(entry.installCmd) == 0 {
		// Nothing to install; the skill is ready as declared.
		result.OK = true
		result.Ready = entry.descriptor.Available
		return result
	}

	runCtx, cancel := context.WithTimeout(ctx, provisionTimeout)
	defer cancel()

	var log bytes.Buffer
	cmd := exec.CommandContext(runCtx, entry.installCmd[0], entry.installCmd[1:]...)
	cmd.Stdout = &log
	cmd.Stderr = &log
	err := cmd.Run()
	result.InstallLog = log.String()
	if err != nil {
		result.Error = fmt.Sprintf("install failed: %v", err)
		return result
	}

	s.mu.Lock()
	entry.descriptor.Available = true
	entry.descriptor.Status = "ready"
	s.mu.Unlock()

	result.OK = true
	result.Ready = true
	return result
}
