package agent

import (
	"context"
	"testing"

	"github.com/pianzhu/smartthings-mcp/internal/fallback"
	"github.com/pianzhu/smartthings-mcp/internal/hub"
	"github.com/pianzhu/smartthings-mcp/internal/storage"
)

func TestSearch_RemembersTopMatch(t *testing.T) {
	reg := &fakeRegistry{search: map[string][]hub.Device{"lamp": {lamp, thermo}}}
	s := newTestSession(reg, nil)

	res := s.Search(context.Background(), "lamp", 5)
	if res.Status != StepOK || len(res.Devices) != 2 {
		t.Fatalf("Search = %+v", res)
	}
	if _, ok := s.Memory().Device(lamp.FullID); !ok {
		t.Error("top match not remembered")
	}
	if _, ok := s.Memory().Device(thermo.FullID); ok {
		t.Error("second match remembered")
	}
}

func TestSearch_NoMatchReportsDeviceNotFound(t *testing.T) {
	s := newTestSession(&fakeRegistry{}, nil)
	res := s.Search(context.Background(), "garage door", 5)
	if res.Status != StepFailed || res.Error == nil || res.Error.Kind != fallback.DeviceNotFound {
		t.Fatalf("Search = %+v", res)
	}
}

func TestStatus_SecondReadIsCached(t *testing.T) {
	reg := &fakeRegistry{statuses: map[string]string{sensor.FullID: tempStatus(23)}}
	s := newTestSession(reg, nil)

	first := s.Status(context.Background(), sensor.FullID)
	second := s.Status(context.Background(), sensor.FullID)
	if first.Status != StepOK || second.Status != StepCached {
		t.Fatalf("statuses = %s, %s", first.Status, second.Status)
	}
	if n := len(reg.Calls()); n != 1 {
		t.Errorf("registry calls = %v", reg.Calls())
	}
}

func TestExecute_JournalsWithSource(t *testing.T) {
	reg := &fakeRegistry{}
	j := &fakeJournal{}
	s := newTestSession(reg, j)

	res := s.Execute(context.Background(), lamp.FullID, []hub.Command{{Capability: "switch", Command: "on"}}, "mcp")
	if res.Status != StepOK {
		t.Fatalf("Execute = %+v", res)
	}
	if res.Commands[0].Component != "main" {
		t.Errorf("component = %q, want main", res.Commands[0].Component)
	}
	if len(j.entries) != 1 || j.entries[0].Source != "mcp" || j.entries[0].Status != storage.CommandSuccess {
		t.Errorf("journal = %+v", j.entries)
	}
}

func TestExecute_RequiresCommands(t *testing.T) {
	reg := &fakeRegistry{}
	s := newTestSession(reg, nil)

	res := s.Execute(context.Background(), lamp.FullID, nil, "mcp")
	if res.Status != StepFailed || res.Error.Kind != fallback.ParameterInvalid {
		t.Fatalf("Execute = %+v", res)
	}
	if len(reg.Calls()) != 0 {
		t.Errorf("registry called: %v", reg.Calls())
	}
}

func TestHistory_InfersAttributeFromMemory(t *testing.T) {
	reg := &fakeRegistry{search: map[string][]hub.Device{"温度计": {sensor}}}
	s := newTestSession(reg, nil)
	s.Search(context.Background(), "温度计", 5)

	res := s.History(context.Background(), sensor.FullID, "", "", 0)
	if res.Status != StepOK || len(res.Events) != 1 {
		t.Fatalf("History = %+v", res)
	}
	calls := reg.Calls()
	if got := calls[len(calls)-1]; got != "history:"+sensor.FullID+":temperature" {
		t.Errorf("last call = %q", got)
	}
}

func TestResolve_UsesMemory(t *testing.T) {
	reg := &fakeRegistry{search: map[string][]hub.Device{"lamp": {lamp}}}
	s := newTestSession(reg, nil)
	if _, ok := s.Resolve("it"); ok {
		t.Fatal("resolved with empty memory")
	}
	s.Search(context.Background(), "lamp", 5)
	d, ok := s.Resolve("it")
	if !ok || d.DeviceID != lamp.FullID {
		t.Errorf("Resolve = %+v, %v", d, ok)
	}
}
