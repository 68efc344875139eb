// Package intent classifies utterances into a closed set of request kinds,
// plans the registry operations each kind needs, and maps control requests
// onto concrete capability commands.
package intent

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pianzhu/smartthings-mcp/internal/vocab"
)

// Intent is the kind of request an utterance makes.
type Intent string

const (
	Control            Intent = "CONTROL"
	Query              Intent = "QUERY"
	Analysis           Intent = "ANALYSIS"
	Discovery          Intent = "DISCOVERY"
	ConditionalControl Intent = "CONDITIONAL_CONTROL"
	Unknown            Intent = "UNKNOWN"
)

type patternGroup struct {
	intent   Intent
	patterns []*regexp.Regexp
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// patternGroups is tried in order against the lowercased utterance and the
// first group with a matching pattern decides the intent. Conditionals come
// first because they usually also contain a control verb.
var patternGroups = []patternGroup{
	{ConditionalControl, compileAll(
		`(如果|假如|when|if).*?(就|then|那么|，|,)`,
		`(当|whenever).*?(时|的时候|，|,)`,
	)},
	{Discovery, compileAll(
		`(有哪些|列出|显示所有|list|show all)`,
		`(什么设备|all devices|my devices)`,
		`(房间.*设备|devices in)`,
	)},
	{Analysis, compileAll(
		`(过去|历史|统计|平均|总共|history|statistics|average|total)`,
		`(这周|上周|今天|昨天|this week|last week|today|yesterday)`,
		`(趋势|变化|trend|change)`,
	)},
	{Query, compileAll(
		`(是多少|怎么样|如何|what|how|状态|current|现在)`,
		`(.*[吗？]$)`,
		`(.*\?$)`,
		`(在哪|where)`,
	)},
	{Control, compileAll(
		`(打开|关闭|开启|关掉|开|关|turn on|turn off|开灯|关灯)`,
		`(设置|调|调整|set|adjust)`,
		`(锁|解锁|lock|unlock)`,
		`(启动|停止|start|stop)`,
	)},
}

// Recognize classifies text. It never fails; unmatched text is Unknown.
func Recognize(text string) Intent {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, g := range patternGroups {
		for _, p := range g.patterns {
			if p.MatchString(lower) {
				return g.intent
			}
		}
	}
	return Unknown
}

var (
	politePrefix = regexp.MustCompile(`(?i)^(请|帮我|帮忙|能不能|可以|可否|把|please|help me|can you)\s*`)
	commandVerbs = regexp.MustCompile(`(?i)(打开|关闭|开启|关掉|turn on|turn off)`)
	queryVerbs   = regexp.MustCompile(`(?i)(查询|查看|看看|显示|show|display|check)`)
	spaces       = regexp.MustCompile(`\s+`)
)

// ExtractDeviceQuery turns an utterance into a registry search string by
// dropping a polite prefix and command verbs and splitting on the
// possessive 的. "打开客厅的灯" becomes "客厅 灯".
func ExtractDeviceQuery(text string) string {
	q := strings.TrimSpace(text)
	q = politePrefix.ReplaceAllString(q, "")
	q = commandVerbs.ReplaceAllString(q, "")
	q = queryVerbs.ReplaceAllString(q, "")
	q = strings.ReplaceAll(q, "的", " ")
	q = spaces.ReplaceAllString(q, " ")
	return strings.TrimSpace(q)
}

// ExtractReference reduces an utterance to the phrase naming its target
// device. A pointer back at the last device such as "把它关掉" or "turn it
// off too" yields the bare pronoun; otherwise the name words left after
// dropping verbs, fillers and stop words are returned. The result is ""
// when nothing in text names a device.
func ExtractReference(text string) string {
	q := strings.ToLower(ExtractDeviceQuery(text))
	pronoun := ""
	var words []string
	for _, w := range strings.Fields(q) {
		w = strings.Trim(w, clauseCutset+"?？")
		for _, f := range vocab.Fillers {
			w = strings.ReplaceAll(w, f, "")
		}
		for _, p := range vocab.Pronouns {
			if w == p || (!isASCII(p) && strings.Contains(w, p)) {
				if pronoun == "" {
					pronoun = p
				}
				w = strings.ReplaceAll(w, p, "")
			}
		}
		if w == "" || vocab.IsStopWord(w) {
			continue
		}
		words = append(words, w)
	}
	if len(words) > 0 {
		return strings.Join(words, " ")
	}
	return pronoun
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

var conditionalSplits = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:如果|假如|when|if)(.*?)(?:就|then|那么|，|,)(.*)`),
	regexp.MustCompile(`(?i)(?:当|whenever)(.*?)(?:的时候|时|，|,)(.*)`),
}

const clauseCutset = " ，,。.!！"

// SplitConditional separates a conditional utterance into its condition
// and its action clause.
func SplitConditional(text string) (condition, action string, ok bool) {
	for _, re := range conditionalSplits {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		condition = strings.Trim(m[1], clauseCutset)
		action = strings.Trim(m[2], clauseCutset)
		for _, lead := range []string{"就", "那么", "then"} {
			action = strings.Trim(strings.TrimPrefix(action, lead), clauseCutset)
		}
		if condition == "" || action == "" {
			return "", "", false
		}
		return condition, action, true
	}
	return "", "", false
}

// Condition is the parsed trigger of a conditional request.
type Condition struct {
	Text         string  `json:"text"`
	Subject      string  `json:"subject"`
	Operator     string  `json:"operator,omitempty"`
	Threshold    float64 `json:"threshold,omitempty"`
	HasThreshold bool    `json:"has_threshold"`
}

var comparison = regexp.MustCompile(`(?i)(>=|<=|>|<|=|高于|超过|大于|低于|小于|等于|greater than|less than|above|over|below|under|equals|equal to)\s*(-?\d+(?:\.\d+)?)\s*(度|°c|°|%|percent|degrees)?`)

var operatorWords = map[string]string{
	">=": ">=", "<=": "<=", ">": ">", "<": "<", "=": "=",
	"高于": ">", "超过": ">", "大于": ">", "greater than": ">", "above": ">", "over": ">",
	"低于": "<", "小于": "<", "less than": "<", "below": "<", "under": "<",
	"等于": "=", "equals": "=", "equal to": "=",
}

var fillerWords = regexp.MustCompile(`(?i)\b(the|is|are|gets|goes)\b`)

// ParseCondition extracts the sensor subject and, when present, a numeric
// comparison from a condition clause.
func ParseCondition(clause string) Condition {
	c := Condition{Text: clause}
	subject := clause
	if m := comparison.FindStringSubmatch(clause); m != nil {
		if v, err := strconv.ParseFloat(m[2], 64); err == nil {
			c.Operator = operatorWords[strings.ToLower(m[1])]
			c.Threshold = v
			c.HasThreshold = c.Operator != ""
		}
		subject = strings.Replace(subject, m[0], " ", 1)
	}
	subject = fillerWords.ReplaceAllString(subject, " ")
	c.Subject = ExtractDeviceQuery(subject)
	return c
}

// Holds reports whether value satisfies the condition. A condition without
// a threshold always holds.
func (c Condition) Holds(value float64) bool {
	if !c.HasThreshold {
		return true
	}
	switch c.Operator {
	case ">":
		return value > c.Threshold
	case ">=":
		return value >= c.Threshold
	case "<":
		return value < c.Threshold
	case "<=":
		return value <= c.Threshold
	case "=":
		return value == c.Threshold
	}
	return true
}
