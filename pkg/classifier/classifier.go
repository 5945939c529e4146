// Package classifier assigns a capability class to request text using a
// fixed table of weighted patterns.
package classifier

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Label is a capability class.
type Label string

const (
	Mechanical   Label = "mechanical_execution"
	Planning     Label = "planning_synthesis"
	Research     Label = "research_investigation"
	Subagent     Label = "subagent_dispatch"
	Code         Label = "code_generation"
	Conversation Label = "conversation"
)

// LongText is the rune count at which planning signals dominate.
const LongText = 400

// priority breaks score ties; lower wins.
var priority = map[Label]int{
	Subagent:   0,
	Mechanical: 1,
	Code:       2,
	Planning:   3,
	Research:   4,
}

// Result is the outcome of classification.
type Result struct {
	Label      Label             `json:"label"`
	Confidence float64           `json:"confidence"`
	Signals    []string          `json:"signals,omitempty"`
	Scores     map[Label]float64 `json:"scores,omitempty"`
}

type rule struct {
	name   string
	re     *regexp.Regexp
	weight float64
	label  Label
}

func r(name, pattern string, weight float64, label Label) rule {
	return rule{name: name, re: regexp.MustCompile(`(?i)` + pattern), weight: weight, label: label}
}

var triggers = []rule{
	r("spawn_subagent", `\b(spawn|launch|start|dispatch|use)\s+(a\s+|an\s+|the\s+)?sub-?agents?\b`, 1, Subagent),
	r("delegate_subagent", `\b(delegate|hand\s+off|handoff)\s+(this\s+|it\s+)?to\s+(a\s+|an\s+|the\s+)?sub-?agents?\b`, 1, Subagent),
}

var rules = []rule{
	r("apply_patch", `\bapply\s+(the\s+|a\s+|this\s+)?(patch|diff)\b`, 2, Mechanical),
	r("run_command", `\brun\s+(the\s+)?(tests?|build|linter|lint|script|migrations?|formatter|benchmarks?)\b`, 2, Mechanical),
	r("file_op", `\b(rename|move|delete|copy|chmod)\b.{0,40}\b(files?|dir|directory|folder)\b`, 1.5, Mechanical),
	r("git_op", `\bgit\s+(commit|push|rebase|checkout|merge|stash|cherry-pick)\b`, 1.5, Mechanical),
	r("file_path", `\b[\w./-]+\.(py|go|ts|tsx|js|rs|java|rb|sh|ya?ml|json|toml|md|sql)\b`, 1, Mechanical),
	r("patch", `\bpatch\b`, 1, Mechanical),

	r("plan", `\bplan(s|ning)?\b`, 1.5, Planning),
	r("architecture", `\barchitect(ure|ural)?\b`, 1.5, Planning),
	r("tradeoffs", `\btrade[- ]?offs?\b`, 1.5, Planning),
	r("evaluate", `\b(evaluate|compare|weigh|prioriti[sz]e)\b`, 1, Planning),
	r("strategy", `\b(strategy|roadmap|design\s+doc|proposal|milestones?)\b`, 1, Planning),
	r("synthesize", `\b(synthesi[sz]e|summari[sz]e)\b`, 1, Planning),

	r("investigate", `\b(research|investigate|look\s+into|find\s+out|root\s+cause)\b`, 1.5, Research),
	r("sources", `\b(sources?|citations?|papers?|literature|documentation)\b`, 1, Research),
	r("why_question", `\bwhy\s+(does|is|do|did)\b`, 1, Research),

	r("write_code", `\b(write|implement|generate|create|add)\b.{0,30}\b(function|class|method|module|script|code|endpoint|handler|unit\s+tests?)s?\b`, 2, Code),
	r("code_terms", `\b(refactor|code|compile|struct|interface|bug)\b`, 1, Code),
	r("code_fence", "```", 1, Code),

	r("subagent_mention", `\bsub-?agents?\b`, 1, Subagent),
}

// Phrases that look like signals but are not.
var guards = regexp.MustCompile(`(?i)\b(code\s+of\s+(ethics|conduct)|error\s+code|status\s+code|patch\s+schedule|zip\s+code|area\s+code|dress\s+code|postal\s+code)\b`)

func neutralize(text string) string {
	return guards.ReplaceAllStringFunc(text, func(m string) string {
		return strings.Repeat(" ", len(m))
	})
}

// Classify assigns a capability class to text. It is pure and deterministic.
func Classify(text string) Result {
	text = neutralize(text)

	for _, t := range triggers {
		if t.re.MatchString(text) {
			return Result{Label: Subagent, Confidence: 1, Signals: []string{t.name}}
		}
	}

	scores := make(map[Label]float64)
	var signals []string
	var total float64
	for _, ru := range rules {
		if ru.re.MatchString(text) {
			scores[ru.label] += ru.weight
			total += ru.weight
			signals = append(signals, ru.name)
		}
	}
	if total == 0 {
		return Result{Label: Conversation}
	}

	label := decide(scores, utf8.RuneCountInString(text))
	return Result{
		Label:      label,
		Confidence: scores[label] / total,
		Signals:    signals,
		Scores:     scores,
	}
}

func decide(scores map[Label]float64, runes int) Label {
	mech, code, plan := scores[Mechanical], scores[Code], scores[Planning]
	switch {
	case mech > 0 && code > 0:
		return Mechanical
	case runes >= LongText && plan > 0:
		return Planning
	case runes < LongText && mech > 0 && mech >= plan:
		return Mechanical
	}

	best := Conversation
	var bestScore float64
	for label, s := range scores {
		if s > bestScore || (s == bestScore && s > 0 && priority[label] < priority[best]) {
			best, bestScore = label, s
		}
	}
	return best
}
