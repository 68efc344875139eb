package intent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pianzhu/smartthings-mcp/internal/hub"
)

// Operation is a registry or memory call a workflow step performs.
type Operation string

const (
	OpSearchDevices   Operation = "search_devices"
	OpDeviceStatus    Operation = "get_device_status"
	OpExecuteCommands Operation = "execute_commands"
	OpDeviceHistory   Operation = "get_device_history"
	OpContextSummary  Operation = "get_context_summary"
)

// Placeholders that the executor substitutes at run time.
const (
	InferFromDevice          = "<infer_from_device>"
	SensorQueryPlaceholder   = "<extract_sensor_query>"
	ActuatorQueryPlaceholder = "<extract_actuator_query>"
)

// DefaultSearchLimit bounds every search step unless overridden.
const DefaultSearchLimit = 5

var stepRef = regexp.MustCompile(`^<from_step_(\d+)>$`)

// FromStep is the placeholder for the first device found by step i.
func FromStep(i int) string { return fmt.Sprintf("<from_step_%d>", i) }

// StepRef parses a <from_step_N> placeholder.
func StepRef(s string) (int, bool) {
	m := stepRef.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Params are the arguments of a step. String fields may hold placeholders.
type Params struct {
	Query      string        `json:"query,omitempty"`
	Limit      int           `json:"limit,omitempty"`
	DeviceID   string        `json:"device_id,omitempty"`
	Commands   []hub.Command `json:"commands,omitempty"`
	Capability string        `json:"capability,omitempty"`
	Attribute  string        `json:"attribute,omitempty"`
}

// Step is one operation in a workflow.
type Step struct {
	Operation   Operation `json:"operation"`
	Params      Params    `json:"params"`
	DependsOn   *int      `json:"depends_on,omitempty"`
	Description string    `json:"description"`
}

// Workflow is the plan for one utterance. Steps is empty only when cached
// memory already answers the request.
type Workflow struct {
	Intent               Intent     `json:"intent"`
	Steps                []Step     `json:"steps"`
	RequiresConfirmation bool       `json:"requires_confirmation"`
	Description          string     `json:"description"`
	Condition            *Condition `json:"condition,omitempty"`
}

// CachedDevice is the device a reference in the utterance resolved to.
type CachedDevice struct {
	ID   string
	Name string
}

// Snapshot is what the planner may know from conversation memory.
type Snapshot struct {
	CachedDevice   *CachedDevice
	HasFreshStatus bool
}

// Options configures a Planner.
type Options struct {
	SearchLimit int
}

// Planner turns utterances into workflows. It holds no per-conversation
// state and is safe for concurrent use.
type Planner struct {
	searchLimit int
}

func NewPlanner(opts Options) *Planner {
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = DefaultSearchLimit
	}
	return &Planner{searchLimit: opts.SearchLimit}
}

func dependsOn(i int) *int { return &i }

func (p *Planner) search(query string) Step {
	return Step{
		Operation:   OpSearchDevices,
		Params:      Params{Query: query, Limit: p.searchLimit},
		Description: fmt.Sprintf("Search for devices matching '%s'", query),
	}
}

func summaryStep(desc string) Step {
	return Step{Operation: OpContextSummary, Description: desc}
}

// Plan classifies text and builds its workflow.
func (p *Planner) Plan(text string, snap Snapshot) Workflow {
	in := Recognize(text)
	switch in {
	case Control:
		return p.planControl(text, snap)
	case Query:
		return p.planQuery(text, snap)
	case Analysis:
		return p.planAnalysis(text)
	case Discovery:
		return Workflow{
			Intent:      Discovery,
			Steps:       []Step{summaryStep("List devices known in this conversation")},
			Description: "List available devices",
		}
	case ConditionalControl:
		return p.planConditional(text)
	}
	return Workflow{
		Intent:      Unknown,
		Steps:       []Step{summaryStep("Show conversation context to clarify the request")},
		Description: "Unclear request, ask user for clarification",
	}
}

func (p *Planner) planControl(text string, snap Snapshot) Workflow {
	if d := snap.CachedDevice; d != nil {
		return Workflow{
			Intent: Control,
			Steps: []Step{{
				Operation:   OpExecuteCommands,
				Params:      Params{DeviceID: d.ID},
				Description: fmt.Sprintf("Execute command on %s", d.Name),
			}},
			Description: "Control cached device",
		}
	}
	query := ExtractDeviceQuery(text)
	return Workflow{
		Intent: Control,
		Steps: []Step{
			p.search(query),
			{
				Operation:   OpExecuteCommands,
				Params:      Params{DeviceID: FromStep(0)},
				DependsOn:   dependsOn(0),
				Description: "Execute command on found device",
			},
		},
		Description: "Search and control device",
	}
}

func (p *Planner) planQuery(text string, snap Snapshot) Workflow {
	if d := snap.CachedDevice; d != nil {
		if snap.HasFreshStatus {
			return Workflow{
				Intent:      Query,
				Steps:       []Step{},
				Description: "Use cached status (no API call needed)",
			}
		}
		return Workflow{
			Intent: Query,
			Steps: []Step{{
				Operation:   OpDeviceStatus,
				Params:      Params{DeviceID: d.ID},
				Description: fmt.Sprintf("Get status of %s", d.Name),
			}},
			Description: "Query cached device status",
		}
	}
	query := ExtractDeviceQuery(text)
	return Workflow{
		Intent: Query,
		Steps: []Step{
			p.search(query),
			{
				Operation:   OpDeviceStatus,
				Params:      Params{DeviceID: FromStep(0)},
				DependsOn:   dependsOn(0),
				Description: "Get device status",
			},
		},
		Description: "Search and query device status",
	}
}

func (p *Planner) planAnalysis(text string) Workflow {
	query := ExtractDeviceQuery(text)
	return Workflow{
		Intent: Analysis,
		Steps: []Step{
			p.search(query),
			{
				Operation:   OpDeviceHistory,
				Params:      Params{DeviceID: FromStep(0), Capability: InferFromDevice},
				DependsOn:   dependsOn(0),
				Description: "Get historical data",
			},
		},
		Description: "Analyze device history",
	}
}

func (p *Planner) planConditional(text string) Workflow {
	sensorQuery, actuatorQuery := SensorQueryPlaceholder, ActuatorQueryPlaceholder
	var cond *Condition
	if condText, action, ok := SplitConditional(text); ok {
		c := ParseCondition(condText)
		cond = &c
		sensorQuery = c.Subject
		actuatorQuery = ExtractDeviceQuery(action)
	}

	search := func(q, desc string) Step {
		s := p.search(q)
		s.Description = desc
		return s
	}
	return Workflow{
		Intent: ConditionalControl,
		Steps: []Step{
			search(sensorQuery, "Find sensor device"),
			{
				Operation:   OpDeviceStatus,
				Params:      Params{DeviceID: FromStep(0)},
				DependsOn:   dependsOn(0),
				Description: "Check sensor value",
			},
			search(actuatorQuery, "Find device to control"),
			{
				Operation:   OpExecuteCommands,
				Params:      Params{DeviceID: FromStep(2)},
				DependsOn:   dependsOn(2),
				Description: "Execute conditional action",
			},
		},
		RequiresConfirmation: true,
		Description:          "Conditional control based on sensor reading",
		Condition:            cond,
	}
}

var conjunctions = []string{"和", "与", "及", "还有", "以及", "并且", "，", ",", "and"}

// DetectMultiDevice estimates how many devices text refers to by counting
// conjunctions. The count is a heuristic and over-counts readily.
func DetectMultiDevice(text string) (bool, int) {
	lower := strings.ToLower(text)
	count := 1
	for _, c := range conjunctions {
		count += strings.Count(lower, c)
	}
	return count > 1, count
}

// BatchThreshold is the device count from which batch execution is preferred.
const BatchThreshold = 4

func ShouldBatch(count int) bool { return count >= BatchThreshold }
