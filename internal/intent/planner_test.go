package intent

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func intp(i int) *int { return &i }

func TestPlan_ControlSearchThenExecute(t *testing.T) {
	p := NewPlanner(Options{})
	wf := p.Plan("打开客厅的灯", Snapshot{})

	want := Workflow{
		Intent: Control,
		Steps: []Step{
			{Operation: OpSearchDevices, Params: Params{Query: "客厅 灯", Limit: 5}, Description: "Search for devices matching '客厅 灯'"},
			{Operation: OpExecuteCommands, Params: Params{DeviceID: "<from_step_0>"}, DependsOn: intp(0), Description: "Execute command on found device"},
		},
		Description: "Search and control device",
	}
	if diff := cmp.Diff(want, wf); diff != "" {
		t.Errorf("Plan mismatch (-want +got):\n%s", diff)
	}
}

func TestPlan_ControlCachedDevice(t *testing.T) {
	p := NewPlanner(Options{})
	wf := p.Plan("把它打开", Snapshot{CachedDevice: &CachedDevice{ID: "abc123", Name: "Lamp"}})

	if wf.Intent != Control || len(wf.Steps) != 1 {
		t.Fatalf("workflow = %+v", wf)
	}
	s := wf.Steps[0]
	if s.Operation != OpExecuteCommands || s.Params.DeviceID != "abc123" || s.DependsOn != nil {
		t.Errorf("step = %+v", s)
	}
}

func TestPlan_QueryVariants(t *testing.T) {
	p := NewPlanner(Options{SearchLimit: 3})
	cached := &CachedDevice{ID: "abc123", Name: "AC"}

	wf := p.Plan("它的状态怎么样", Snapshot{CachedDevice: cached, HasFreshStatus: true})
	if wf.Intent != Query || wf.Steps == nil || len(wf.Steps) != 0 {
		t.Errorf("fresh cache plan = %+v, want empty steps", wf)
	}

	wf = p.Plan("它的状态怎么样", Snapshot{CachedDevice: cached})
	if len(wf.Steps) != 1 || wf.Steps[0].Operation != OpDeviceStatus || wf.Steps[0].Params.DeviceID != "abc123" {
		t.Errorf("cached plan = %+v", wf)
	}

	wf = p.Plan("客厅温度是多少", Snapshot{})
	if len(wf.Steps) != 2 || wf.Steps[0].Params.Limit != 3 || wf.Steps[1].Params.DeviceID != FromStep(0) {
		t.Errorf("search plan = %+v", wf)
	}
}

func TestPlan_AnalysisInfersCapability(t *testing.T) {
	wf := NewPlanner(Options{}).Plan("过去一周客厅的平均温度", Snapshot{})
	if wf.Intent != Analysis || len(wf.Steps) != 2 {
		t.Fatalf("workflow = %+v", wf)
	}
	h := wf.Steps[1]
	if h.Operation != OpDeviceHistory || h.Params.Capability != InferFromDevice || *h.DependsOn != 0 {
		t.Errorf("history step = %+v", h)
	}
}

func TestPlan_DiscoveryAndUnknownUseSummary(t *testing.T) {
	p := NewPlanner(Options{})
	for _, text := range []string{"list all devices and turn them on", "hello there"} {
		wf := p.Plan(text, Snapshot{})
		if len(wf.Steps) != 1 || wf.Steps[0].Operation != OpContextSummary {
			t.Errorf("Plan(%q) = %+v", text, wf)
		}
	}
}

func TestPlan_Conditional(t *testing.T) {
	wf := NewPlanner(Options{}).Plan("如果温度高于26度就打开空调", Snapshot{})
	if wf.Intent != ConditionalControl || !wf.RequiresConfirmation || len(wf.Steps) != 4 {
		t.Fatalf("workflow = %+v", wf)
	}
	if wf.Condition == nil || wf.Condition.Operator != ">" || wf.Condition.Threshold != 26 {
		t.Fatalf("condition = %+v", wf.Condition)
	}

	wantDeps := []*int{nil, intp(0), nil, intp(2)}
	if diff := cmp.Diff(wantDeps, []*int{wf.Steps[0].DependsOn, wf.Steps[1].DependsOn, wf.Steps[2].DependsOn, wf.Steps[3].DependsOn}); diff != "" {
		t.Errorf("dependencies (-want +got):\n%s", diff)
	}
	if wf.Steps[0].Params.Query != "温度" || wf.Steps[2].Params.Query != "空调" {
		t.Errorf("queries = %q, %q", wf.Steps[0].Params.Query, wf.Steps[2].Params.Query)
	}
	if wf.Steps[3].Params.DeviceID != FromStep(2) {
		t.Errorf("actuator device = %q", wf.Steps[3].Params.DeviceID)
	}
}

func TestPlan_ConditionalUnsplittableUsesPlaceholders(t *testing.T) {
	wf := NewPlanner(Options{}).Plan("当有人回家的时候", Snapshot{})
	if wf.Condition != nil {
		t.Errorf("condition = %+v, want nil", wf.Condition)
	}
	if wf.Steps[0].Params.Query != SensorQueryPlaceholder || wf.Steps[2].Params.Query != ActuatorQueryPlaceholder {
		t.Errorf("steps = %+v", wf.Steps)
	}
}

func TestStepRef(t *testing.T) {
	if n, ok := StepRef(FromStep(12)); !ok || n != 12 {
		t.Errorf("StepRef = %d, %v", n, ok)
	}
	for _, s := range []string{"abc", "<from_step_>", "<from_step_1>x"} {
		if _, ok := StepRef(s); ok {
			t.Errorf("StepRef(%q) should fail", s)
		}
	}
}

func TestDetectMultiDevice(t *testing.T) {
	tests := []struct {
		text  string
		multi bool
		count int
	}{
		{"打开灯", false, 1},
		{"打开灯和风扇", true, 2},
		{"lights, fan AND tv", true, 3},
		{"打开客厅灯，卧室灯和厨房灯以及风扇", true, 5},
	}
	for _, tt := range tests {
		multi, count := DetectMultiDevice(tt.text)
		if multi != tt.multi || count != tt.count {
			t.Errorf("DetectMultiDevice(%q) = %v, %d; want %v, %d", tt.text, multi, count, tt.multi, tt.count)
		}
	}
}

func TestShouldBatch(t *testing.T) {
	if ShouldBatch(3) {
		t.Error("3 devices should not batch")
	}
	if !ShouldBatch(4) {
		t.Error("4 devices should batch")
	}
}
