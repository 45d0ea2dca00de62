package daemon

import (
	"context"
	"strings"
	"testing"

	"github.com/openviber/openviber/internal/bus"
	rt "github.com/openviber/openviber/internal/daemon/runtime"
	"github.com/openviber/openviber/pkg/protocol"
)

func TestJobStore_Validation(t *testing.T) {
	store := NewJobStore()

	ok := protocol.JobDescriptor{Name: "daily-report", Schedule: "0 9 * * *", Prompt: "summarize the day"}
	if err := store.Add(ok); err != nil {
		t.Fatalf("valid job rejected: %v", err)
	}

	cases := []protocol.JobDescriptor{
		{Name: "", Schedule: "0 9 * * *", Prompt: "p"},
		{Name: "no-prompt", Schedule: "0 9 * * *"},
		{Name: "bad-cron", Schedule: "every tuesday", Prompt: "p"},
		{Name: "bad-cron-2", Schedule: "99 99 * * *", Prompt: "p"},
	}
	for _, job := range cases {
		if err := store.Add(job); err == nil {
			t.Errorf("job %+v accepted", job)
		}
	}

	// Replacement by name, ordered listing.
	store.Add(protocol.JobDescriptor{Name: "daily-report", Schedule: "0 18 * * *", Prompt: "evening run"})
	store.Add(protocol.JobDescriptor{Name: "cleanup", Schedule: "*/5 * * * *", Prompt: "tidy"})
	jobs := store.List()
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs", len(jobs))
	}
	if jobs[0].Name != "cleanup" || jobs[1].Name != "daily-report" {
		t.Errorf("ordering %v", []string{jobs[0].Name, jobs[1].Name})
	}
	if jobs[1].Schedule != "0 18 * * *" {
		t.Errorf("push did not replace: %q", jobs[1].Schedule)
	}
}

func TestSkillSet_PlatformGate(t *testing.T) {
	s := NewSkillSet()
	s.goos = "windows"
	s.Declare(protocol.SkillDescriptor{ID: "browser", Available: true})

	result := s.Provision(context.Background(), &protocol.SkillProvision{RequestID: "r1", SkillID: "browser"})
	if result.OK {
		t.Error("provisioning succeeded on unsupported platform")
	}
	if !strings.Contains(result.Error, "unavailable") {
		t.Errorf("error %q", result.Error)
	}
	if result.RequestID != "r1" || result.SkillID != "browser" {
		t.Errorf("identity fields lost: %+v", result)
	}
}

func TestSkillSet_DeclaredSkillNoInstall(t *testing.T) {
	s := NewSkillSet()
	s.goos = "linux"
	s.Declare(protocol.SkillDescriptor{ID: "search", Available: true})

	result := s.Provision(context.Background(), &protocol.SkillProvision{SkillID: "search"})
	if !result.OK || !result.Ready {
		t.Errorf("declared skill not ready: %+v", result)
	}

	result = s.Provision(context.Background(), &protocol.SkillProvision{SkillID: "nope"})
	if result.OK || !strings.Contains(result.Error, "unknown skill") {
		t.Errorf("unknown skill: %+v", result)
	}
}

type idleRunner struct{}

func (idleRunner) Run(ctx context.Context, _ rt.TurnRequest, _ func(bus.StreamEvent)) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestBuildStatus(t *testing.T) {
	runtime := rt.New(idleRunner{}, nil)
	c := New(Options{NodeID: "node-1", Name: "worker", Version: "1.2.3"}, runtime, nil)
	c.skills.Declare(protocol.SkillDescriptor{ID: "search", Available: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := runtime.Submit(ctx, "task-a", rt.TurnRequest{Message: "work"}); err != nil {
		t.Fatal(err)
	}

	status := c.buildStatus(false)
	if status.RunningTasks != 1 {
		t.Errorf("runningTasks %d", status.RunningTasks)
	}
	if status.Machine != nil {
		t.Error("machine included when not requested")
	}
	if status.ViberStatus == nil {
		t.Fatal("viberStatus missing")
	}
	if status.ViberStatus.ID != "node-1" || status.ViberStatus.Version != "1.2.3" {
		t.Errorf("viber identity %+v", status.ViberStatus)
	}
	if len(status.ViberStatus.RunningTasks) != 1 || status.ViberStatus.RunningTasks[0].TaskID != "task-a" {
		t.Errorf("running task descriptors %+v", status.ViberStatus.RunningTasks)
	}
	if len(status.Skills) != 1 || status.Skills[0].ID != "search" {
		t.Errorf("skills %+v", status.Skills)
	}
	if status.Memory.RSS == 0 && status.Memory.HeapUsed == 0 {
		t.Error("process memory empty")
	}

	with := c.buildStatus(true)
	if with.Machine == nil {
		t.Error("machine missing when requested")
	}
}
