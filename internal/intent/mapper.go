package intent

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pianzhu/smartthings-mcp/internal/hub"
)

//go:embed mapping.yaml
var defaultMapping []byte

// ArgStrategy says how a command's arguments are built.
type ArgStrategy string

const (
	// Fixed uses the literal arguments from the table.
	Fixed ArgStrategy = "fixed"
	// CurrentPlusDelta adds the spoken or default delta to the current value.
	CurrentPlusDelta ArgStrategy = "current_plus_delta"
	// ExplicitValue uses the spoken value, a suggested value or a default.
	ExplicitValue ArgStrategy = "explicit_value"
)

func (s *ArgStrategy) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := ArgStrategy(raw); v {
	case Fixed, CurrentPlusDelta, ExplicitValue:
		*s = v
	case "":
		*s = Fixed
	default:
		return fmt.Errorf("line %d: unknown argument strategy %q", node.Line, raw)
	}
	return nil
}

// CommandSuggestion is a concrete command proposed for an utterance.
type CommandSuggestion struct {
	Capability        string  `json:"capability"`
	Command           string  `json:"command"`
	Arguments         []any   `json:"arguments"`
	Confidence        float64 `json:"confidence"`
	Intent            string  `json:"intent"`
	NeedsCurrentState bool    `json:"needs_current_state"`
}

// HubCommand converts the suggestion into a main-component hub command.
func (s CommandSuggestion) HubCommand() hub.Command {
	var args []any
	if len(s.Arguments) > 0 {
		args = s.Arguments
	}
	return hub.Command{Component: "main", Capability: s.Capability, Command: s.Command, Arguments: args}
}

type valueRange struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

type suggestedValue struct {
	Keyword string `yaml:"keyword"`
	Value   int    `yaml:"value"`
}

type intentSpec struct {
	Name              string              `yaml:"name"`
	Keywords          []string            `yaml:"keywords"`
	SemanticVariants  []string            `yaml:"semantic_variants"`
	ContextAware      map[string][]string `yaml:"context_aware"`
	FuzzyPatterns     []string            `yaml:"fuzzy_patterns"`
	ParameterPatterns []string            `yaml:"parameter_patterns"`
	DefaultDelta      int                 `yaml:"default_delta"`
	DefaultValue      int                 `yaml:"default_value"`
	SuggestedValues   []suggestedValue    `yaml:"suggested_values"`
	RequiresParameter bool                `yaml:"requires_parameter"`
	ValidRange        *valueRange         `yaml:"valid_range"`
}

type commandSpec struct {
	Command   string      `yaml:"command"`
	Strategy  ArgStrategy `yaml:"strategy"`
	Arguments []any       `yaml:"arguments"`
}

type mappingFile struct {
	MinConfidence        float64                            `yaml:"min_confidence"`
	NoStateValue         int                                `yaml:"no_state_value"`
	FallbackCurrentValue int                                `yaml:"fallback_current_value"`
	DefaultValue         int                                `yaml:"default_value"`
	MaxLevel             int                                `yaml:"max_level"`
	Intents              []intentSpec                       `yaml:"intents"`
	Commands             map[string]map[string]commandSpec `yaml:"commands"`
}

type compiledIntent struct {
	intentSpec
	keywords []string
	variants []string
	context  map[string][]string
	fuzzy    []*regexp.Regexp
	params   []*regexp.Regexp
}

// Mapper turns an utterance and a device's capabilities into a command.
// It is immutable after construction and safe for concurrent use.
type Mapper struct {
	table   mappingFile
	intents []compiledIntent
}

// NewMapper returns a Mapper over the built-in table. It panics if the
// embedded table is malformed.
func NewMapper() *Mapper {
	m, err := LoadMapper(defaultMapping)
	if err != nil {
		panic(fmt.Sprintf("intent: embedded mapping: %v", err))
	}
	return m
}

// LoadMapperFile reads a mapping table from path.
func LoadMapperFile(path string) (*Mapper, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mapping file: %w", err)
	}
	return LoadMapper(data)
}

// LoadMapper parses and compiles a YAML mapping table.
func LoadMapper(data []byte) (*Mapper, error) {
	var f mappingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing mapping: %w", err)
	}
	if len(f.Intents) == 0 {
		return nil, fmt.Errorf("mapping defines no intents")
	}

	m := &Mapper{table: f}
	for _, spec := range f.Intents {
		ci := compiledIntent{
			intentSpec: spec,
			keywords:   lowerAll(spec.Keywords),
			variants:   lowerAll(spec.SemanticVariants),
			context:    make(map[string][]string, len(spec.ContextAware)),
		}
		for capability, words := range spec.ContextAware {
			ci.context[capability] = lowerAll(words)
		}
		for _, expr := range spec.FuzzyPatterns {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("intent %s: fuzzy pattern %q: %w", spec.Name, expr, err)
			}
			ci.fuzzy = append(ci.fuzzy, re)
		}
		for _, expr := range spec.ParameterPatterns {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("intent %s: parameter pattern %q: %w", spec.Name, expr, err)
			}
			if re.NumSubexp() < 1 {
				return nil, fmt.Errorf("intent %s: parameter pattern %q has no capture group", spec.Name, expr)
			}
			ci.params = append(ci.params, re)
		}
		m.intents = append(m.intents, ci)
	}
	return m, nil
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// Recognize scores every command intent against text and returns the best
// one with its confidence and any extracted numeric parameter. The first
// intent in table order wins a tie; an empty name means nothing scored.
func (m *Mapper) Recognize(text string, capabilities []string) (name string, confidence float64, param *int) {
	lower := strings.ToLower(text)
	for _, ci := range m.intents {
		score := 0.0
		var p *int

		if containsAny(lower, ci.keywords) {
			score += 0.3
		}
		for _, capability := range capabilities {
			if words, ok := ci.context[capability]; ok && containsAny(lower, words) {
				score += 0.5
			}
		}
		for _, re := range ci.fuzzy {
			if re.MatchString(lower) {
				score += 0.2
				break
			}
		}
		for _, re := range ci.params {
			sub := re.FindStringSubmatch(text)
			if sub == nil {
				continue
			}
			if v, err := strconv.Atoi(sub[1]); err == nil {
				p = &v
				score += 0.1
				break
			}
		}
		if containsAny(lower, ci.variants) {
			score += 0.1
		}

		if score > confidence {
			name, confidence, param = ci.Name, score, p
		}
	}
	return name, confidence, param
}

// Map proposes a command for text on a device with the given capabilities.
// current, when non-nil, feeds relative adjustments. It reports false when
// confidence is too low or the device has no capability for the intent.
func (m *Mapper) Map(text string, capabilities []string, current *hub.Status) (CommandSuggestion, bool) {
	name, confidence, param := m.Recognize(text, capabilities)
	if name == "" || confidence < m.table.MinConfidence {
		return CommandSuggestion{}, false
	}

	templates := m.table.Commands[name]
	var (
		capability string
		tmpl       commandSpec
	)
	for _, c := range capabilities {
		if t, ok := templates[c]; ok {
			capability, tmpl = c, t
			break
		}
	}
	if capability == "" {
		return CommandSuggestion{}, false
	}

	s := CommandSuggestion{
		Capability: capability,
		Command:    tmpl.Command,
		Confidence: confidence,
		Intent:     name,
	}
	spec := m.spec(name)

	switch tmpl.Strategy {
	case CurrentPlusDelta:
		s.NeedsCurrentState = true
		if current == nil {
			s.Arguments = []any{m.table.NoStateValue}
			break
		}
		delta := spec.DefaultDelta
		if param != nil && *param != 0 {
			delta = *param
		}
		s.Arguments = []any{min(m.table.MaxLevel, m.currentValue(current, capability)+delta)}
	case ExplicitValue:
		if param != nil {
			s.Arguments = []any{*param}
		} else {
			s.Arguments = []any{m.suggestedValue(text, spec)}
		}
	default:
		s.Arguments = append([]any{}, tmpl.Arguments...)
	}
	return s, true
}

func (m *Mapper) spec(name string) intentSpec {
	for _, ci := range m.intents {
		if ci.Name == name {
			return ci.intentSpec
		}
	}
	return intentSpec{}
}

func (m *Mapper) suggestedValue(text string, spec intentSpec) int {
	for _, sv := range spec.SuggestedValues {
		if strings.Contains(text, sv.Keyword) {
			return sv.Value
		}
	}
	if spec.DefaultValue != 0 {
		return spec.DefaultValue
	}
	return m.table.DefaultValue
}

func (m *Mapper) currentValue(st *hub.Status, capability string) int {
	if v, ok := st.FirstInt(capability); ok {
		return v
	}
	return m.table.FallbackCurrentValue
}

// ValidRange returns the accepted value range of a command intent, if the
// table declares one.
func (m *Mapper) ValidRange(name string) (lo, hi float64, ok bool) {
	spec := m.spec(name)
	if spec.ValidRange == nil {
		return 0, 0, false
	}
	return spec.ValidRange.Min, spec.ValidRange.Max, true
}

// RangeForCommand returns the valid range of the intent that produces
// capability/command, if any.
func (m *Mapper) RangeForCommand(capability, command string) (lo, hi float64, ok bool) {
	for _, ci := range m.intents {
		t, found := m.table.Commands[ci.Name][capability]
		if !found || t.Command != command || ci.ValidRange == nil {
			continue
		}
		return ci.ValidRange.Min, ci.ValidRange.Max, true
	}
	return 0, 0, false
}
