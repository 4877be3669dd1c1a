package content

import (
	"regexp"
	"sort"
)

// InjectionType classifies instruction-smuggling found in agent-supplied text
type InjectionType string

const (
	InjectionSystemPromptLeak    InjectionType = "system_prompt_leak"
	InjectionRoleManipulation    InjectionType = "role_manipulation"
	InjectionInstructionOverride InjectionType = "instruction_override"
	InjectionCodeExecution       InjectionType = "code_execution"
	InjectionJailbreak           InjectionType = "jailbreak"
	InjectionDelimiter           InjectionType = "delimiter_attack"
	InjectionEncodedPayload      InjectionType = "encoded_payload"
)

// DefaultInjectionThreshold is the confidence at which a match blocks a call
const DefaultInjectionThreshold = 0.8

// Injection is one suspicious match inside a text value
type Injection struct {
	Type       InjectionType
	Confidence float64
	StartPos   int
	EndPos     int
}

type injectionGroup struct {
	kind       InjectionType
	confidence float64
	weight     float64
	res        []*regexp.Regexp
}

var injectionGroups = []injectionGroup{
	{kind: InjectionSystemPromptLeak, confidence: 0.9, weight: 1.5, res: []*regexp.Regexp{
		regexp.MustCompile(`(?i)ignore\s+(previous|all|above|prior)\s+(instructions?|prompts?|commands?)`),
		regexp.MustCompile(`(?i)(show|reveal|print|repeat)\s+(me\s+)?(your|the)\s+(system|original|initial|hidden|secret)\s+(prompt|instructions?)`),
		regexp.MustCompile(`(?i)what\s+(is|are|was|were)\s+(your|the)\s+(system|original|initial)\s+(prompt|instructions?)`),
	}},
	{kind: InjectionRoleManipulation, confidence: 0.85, weight: 1, res: []*regexp.Regexp{
		regexp.MustCompile(`(?i)assume\s+(the\s+)?(role|identity)\s+of`),
		regexp.MustCompile(`(?i)pretend\s+(to\s+)?be\s+(a|an)\b`),
		regexp.MustCompile(`(?i)from\s+now\s+on[,]?\s+(you|your)\s+(are|will)`),
	}},
	{kind: InjectionInstructionOverride, confidence: 0.9, weight: 1.5, res: []*regexp.Regexp{
		regexp.MustCompile(`(?i)disregard\s+(all|previous|above|any)\s+(instructions?|rules|commands?)`),
		regexp.MustCompile(`(?i)override\s+(all|previous|system)\s+(instructions?|rules|settings?)`),
		regexp.MustCompile(`(?i)forget\s+(everything|all\s+previous|what\s+you\s+learned)`),
	}},
	{kind: InjectionCodeExecution, confidence: 0.95, weight: 2, res: []*regexp.Regexp{
		regexp.MustCompile(`(?i)(execute|run)\s+(this|the\s+following)\s+(code|script|command)`),
		regexp.MustCompile(`(?i)\b(eval|exec)\s*\(`),
		regexp.MustCompile(`(?i)import\s+(os|sys|subprocess|socket)\b`),
		regexp.MustCompile(`(?i)send\s+(data|information|content)\s+to\s+https?://`),
	}},
	{kind: InjectionJailbreak, confidence: 0.95, weight: 2, res: []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bDAN\s+mode`),
		regexp.MustCompile(`(?i)(developer|unrestricted|god)\s+mode`),
		regexp.MustCompile(`(?i)without\s+(any|ethical|moral)\s+(restrictions?|limitations?|guidelines?)`),
	}},
	{kind: InjectionDelimiter, confidence: 0.8, weight: 1, res: []*regexp.Regexp{
		regexp.MustCompile(`\[/?(SYSTEM|USER|ASSISTANT)\]`),
		regexp.MustCompile(`<\|(system|user|assistant|end)\|>`),
		regexp.MustCompile(`###\s*(SYSTEM|INSTRUCTION)`),
	}},
	{kind: InjectionEncodedPayload, confidence: 0.7, weight: 1, res: []*regexp.Regexp{
		regexp.MustCompile(`(?i)base64\s*[:=]\s*[A-Za-z0-9+/]{20,}={0,2}`),
		regexp.MustCompile(`(?:\\x[0-9a-fA-F]{2}){10,}`),
	}},
}

// DetectInjections returns every suspicious match in text ordered by position
func DetectInjections(text string) []Injection {
	var found []Injection
	for _, g := range injectionGroups {
		for _, re := range g.res {
			for _, m := range re.FindAllStringIndex(text, -1) {
				found = append(found, Injection{Type: g.kind, Confidence: g.confidence, StartPos: m[0], EndPos: m[1]})
			}
		}
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].StartPos < found[j].StartPos })
	return found
}

// FirstInjection returns the earliest match at or above threshold
func FirstInjection(text string, threshold float64) (Injection, bool) {
	for _, d := range DetectInjections(text) {
		if d.Confidence >= threshold {
			return d, true
		}
	}
	return Injection{}, false
}

// InjectionRiskScore is the weighted mean confidence of all matches, 0 when none
func InjectionRiskScore(text string) float64 {
	var total, weights float64
	for _, d := range DetectInjections(text) {
		w := 1.0
		for _, g := range injectionGroups {
			if g.kind == d.Type {
				w = g.weight
				break
			}
		}
		total += d.Confidence * w
		weights += w
	}
	if weights == 0 {
		return 0
	}
	if score := total / weights; score < 1 {
		return score
	}
	return 1
}
