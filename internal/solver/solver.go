// Package solver recognizes a fixed catalog of word-problem and logic-puzzle
// shapes and solves them in closed form. Detection is regex-based over the
// raw prompt; each solver substitutes the prompt's literal numbers into its
// formula and verifies the result against the original constraints. A
// verified answer is authoritative and short-circuits the language model.
package solver

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// VerifyTolerance is the absolute tolerance used when substituting a
// candidate answer back into the problem's constraints.
const VerifyTolerance = 1e-2

// Step is one line of the reasoning trace shown before the answer.
type Step struct {
	N           int    `json:"n"`
	Description string `json:"description"`
	Detail      string `json:"detail,omitempty"`
	Result      string `json:"result,omitempty"`
}

// Result is a solved problem. Verified is false when the shape matched but
// the back-substitution check failed; callers must not short-circuit on an
// unverified result.
type Result struct {
	Answer   string `json:"answer"`
	Verified bool   `json:"verified"`
	Shape    string `json:"shape"`
	Steps    []Step `json:"steps"`
}

// shape pairs a detector with its solver. The table is ordered; the first
// detector that fires wins.
type shape struct {
	name   string
	detect func(string) bool
	solve  func(string) *Result
}

// Solver holds the ordered shape catalog.
type Solver struct {
	shapes []shape
}

// New creates a Solver with the built-in catalog.
func New() *Solver {
	s := &Solver{}
	s.shapes = []shape{
		{"rate_problem", detectRate, solveRate},
		{"difference_problem", detectDifference, solveDifference},
		{"all_but", detectAllBut, solveAllBut},
		{"compound_percentage", detectCompoundPct, solveCompoundPct},
		{"switch_puzzle", detectSwitchPuzzle, solveSwitchPuzzle},
	}
	return s
}

// TrySolve attempts every shape in catalog order. Returns nil when no shape
// matches; a non-nil result may still carry Verified=false.
func (s *Solver) TrySolve(prompt string) *Result {
	for _, sh := range s.shapes {
		if !sh.detect(prompt) {
			continue
		}
		if res := sh.solve(prompt); res != nil {
			res.Shape = sh.name
			return res
		}
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Number extraction
// ═══════════════════════════════════════════════════════════════════════════

var (
	numberRe  = regexp.MustCompile(`\$?\d[\d,]*(?:\.\d+)?`)
	percentRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	dollarRe  = regexp.MustCompile(`\$\s*(\d[\d,]*(?:\.\d+)?)`)
	allButRe  = regexp.MustCompile(`all but (\d+)`)
	pctMoveRe = regexp.MustCompile(`(increase[sd]?|decrease[sd]?|rise[sn]?|rose|drop(?:s|ped)?|fall[s]?|fell|grow[sn]?|grew)\s+by\s+(\d+(?:\.\d+)?)\s*%`)
)

// extractNumbers returns every numeric literal in order, with currency
// symbols and thousands separators stripped. Percent figures are included.
func extractNumbers(text string) []float64 {
	matches := numberRe.FindAllString(text, -1)
	nums := make([]float64, 0, len(matches))
	for _, m := range matches {
		m = strings.TrimPrefix(m, "$")
		m = strings.ReplaceAll(m, ",", "")
		if v, err := strconv.ParseFloat(m, 64); err == nil {
			nums = append(nums, v)
		}
	}
	return nums
}

// extractDollars returns only $-prefixed amounts, in order.
func extractDollars(text string) []float64 {
	matches := dollarRe.FindAllStringSubmatch(text, -1)
	nums := make([]float64, 0, len(matches))
	for _, m := range matches {
		raw := strings.ReplaceAll(m[1], ",", "")
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			nums = append(nums, v)
		}
	}
	return nums
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) <= VerifyTolerance
}

// formatMoney renders a dollar amount with thousands separators.
func formatMoney(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	parts := strings.SplitN(s, ".", 2)
	intPart := parts[0]

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}

	out := "$" + b.String() + "." + parts[1]
	if neg {
		out = "-" + out
	}
	return out
}

// formatNumber renders an answer value, dropping a fractional part that is
// effectively zero.
func formatNumber(v float64) string {
	if approxEqual(v, math.Round(v)) {
		return strconv.FormatFloat(math.Round(v), 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// ═══════════════════════════════════════════════════════════════════════════
// Rate problems ("5 machines make 5 widgets in 5 minutes…")
// ═══════════════════════════════════════════════════════════════════════════

var rateRoleRe = regexp.MustCompile(`(?i)\b(machines?|workers?|printers?|painters?|pumps?|bakers?|cooks?|builders?)\b`)

func detectRate(prompt string) bool {
	lower := strings.ToLower(prompt)
	return rateRoleRe.MatchString(prompt) &&
		strings.Contains(lower, "how many") &&
		len(extractNumbers(prompt)) >= 5
}

// solveRate handles the canonical shape: n1 agents produce n2 units in n3
// time; how many agents for n4 units in n5 time. Per-agent rate is
// n2/(n1·n3); the answer is n4/(rate·n5).
func solveRate(prompt string) *Result {
	nums := extractNumbers(prompt)
	if len(nums) < 5 {
		return nil
	}
	agents, units, minutes := nums[0], nums[1], nums[2]
	targetUnits, targetMinutes := nums[3], nums[4]
	if agents == 0 || minutes == 0 || targetMinutes == 0 {
		return nil
	}

	role := strings.ToLower(rateRoleRe.FindString(prompt))
	rate := units / (agents * minutes)
	needed := targetUnits / (rate * targetMinutes)

	// Substitute back: needed agents at the per-agent rate over the target
	// window must reproduce the target output.
	verified := approxEqual(needed*rate*targetMinutes, targetUnits)

	answer := formatNumber(needed)
	return &Result{
		Answer:   answer,
		Verified: verified,
		Steps: []Step{
			{N: 1, Description: fmt.Sprintf("%s %s make %s units in %s minutes",
				formatNumber(agents), role, formatNumber(units), formatNumber(minutes)),
				Detail: fmt.Sprintf("per-%s rate = %s / (%s × %s) = %.4g units/min",
					strings.TrimSuffix(role, "s"), formatNumber(units), formatNumber(agents), formatNumber(minutes), rate)},
			{N: 2, Description: fmt.Sprintf("Target: %s units in %s minutes",
				formatNumber(targetUnits), formatNumber(targetMinutes)),
				Detail: fmt.Sprintf("required = %s / (%.4g × %s)",
					formatNumber(targetUnits), rate, formatNumber(targetMinutes))},
			{N: 3, Description: fmt.Sprintf("Needed %s: %s", role, answer),
				Result: answer},
		},
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Difference problems ("total $1.10, the bat costs $1.00 more than the ball")
// ═══════════════════════════════════════════════════════════════════════════

func detectDifference(prompt string) bool {
	lower := strings.ToLower(prompt)
	return strings.Contains(lower, "cost") &&
		strings.Contains(lower, "more than") &&
		len(extractNumbers(prompt)) >= 2
}

// solveDifference: two items total T, one costs D more than the other. The
// smaller is (T−D)/2, the larger (T+D)/2.
func solveDifference(prompt string) *Result {
	nums := extractDollars(prompt)
	currency := true
	if len(nums) < 2 {
		nums = extractNumbers(prompt)
		currency = false
	}
	if len(nums) < 2 {
		return nil
	}
	total, diff := nums[0], nums[1]
	if diff > total {
		total, diff = diff, total
	}

	smaller := (total - diff) / 2
	larger := (total + diff) / 2
	verified := approxEqual(smaller+larger, total) && approxEqual(larger-smaller, diff)

	format := formatNumber
	if currency {
		format = formatMoney
	}
	answer := format(smaller)
	return &Result{
		Answer:   answer,
		Verified: verified,
		Steps: []Step{
			{N: 1, Description: fmt.Sprintf("Together they cost %s; one costs %s more than the other",
				format(total), format(diff))},
			{N: 2, Description: fmt.Sprintf("Smaller = (%s − %s) / 2 = %s",
				format(total), format(diff), format(smaller)),
				Detail: fmt.Sprintf("larger = (%s + %s) / 2 = %s", format(total), format(diff), format(larger))},
			{N: 3, Description: fmt.Sprintf("Check: %s + %s = %s and %s − %s = %s",
				format(smaller), format(larger), format(total), format(larger), format(smaller), format(diff)),
				Result: answer},
		},
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// "All but K" literals
// ═══════════════════════════════════════════════════════════════════════════

func detectAllBut(prompt string) bool {
	return allButRe.MatchString(strings.ToLower(prompt))
}

// solveAllBut: "all but K ..." means K remain, whatever the starting count.
func solveAllBut(prompt string) *Result {
	m := allButRe.FindStringSubmatch(strings.ToLower(prompt))
	if m == nil {
		return nil
	}
	answer := m[1]
	return &Result{
		Answer:   answer,
		Verified: true,
		Steps: []Step{
			{N: 1, Description: fmt.Sprintf("\"All but %s\" means exactly %s are left", answer, answer)},
			{N: 2, Description: "The starting count is a distractor; the phrase states the remainder directly",
				Result: answer},
		},
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Compound percentage changes
// ═══════════════════════════════════════════════════════════════════════════

func detectCompoundPct(prompt string) bool {
	return percentRe.MatchString(prompt) &&
		pctMoveRe.MatchString(strings.ToLower(prompt)) &&
		len(extractNumbers(prompt)) >= 2
}

// solveCompoundPct applies each signed percentage move to the initial value
// in prompt order and reports the final value plus the net change.
func solveCompoundPct(prompt string) *Result {
	lower := strings.ToLower(prompt)
	moves := pctMoveRe.FindAllStringSubmatch(lower, -1)
	if len(moves) == 0 {
		return nil
	}

	// Initial value: first dollar amount, else first number that is not one
	// of the percentages.
	var initial float64
	dollars := extractDollars(prompt)
	if len(dollars) > 0 {
		initial = dollars[0]
	} else {
		pcts := make(map[float64]bool)
		for _, m := range moves {
			if v, err := strconv.ParseFloat(m[2], 64); err == nil {
				pcts[v] = true
			}
		}
		for _, n := range extractNumbers(prompt) {
			if !pcts[n] {
				initial = n
				break
			}
		}
	}
	if initial == 0 {
		return nil
	}

	steps := make([]Step, 0, len(moves)+2)
	steps = append(steps, Step{N: 1, Description: fmt.Sprintf("Start from %s", formatMoney(initial))})

	value := initial
	for i, m := range moves {
		pct, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return nil
		}
		factor := 1 + pct/100
		verb := "increases"
		if strings.HasPrefix(m[1], "decrease") || strings.HasPrefix(m[1], "drop") ||
			strings.HasPrefix(m[1], "fall") || strings.HasPrefix(m[1], "fell") {
			factor = 1 - pct/100
			verb = "decreases"
		}
		prev := value
		value *= factor
		steps = append(steps, Step{
			N:           i + 2,
			Description: fmt.Sprintf("Value %s by %.4g%%: %s × %.4g = %s", verb, pct, formatMoney(prev), factor, formatMoney(value)),
		})
	}

	totalChange := (value/initial - 1) * 100
	answer := fmt.Sprintf("%s (%+.2f%%)", formatMoney(value), totalChange)
	steps = append(steps, Step{
		N:           len(moves) + 2,
		Description: fmt.Sprintf("Final value %s, net change %+.2f%%", formatMoney(value), totalChange),
		Result:      answer,
	})

	// Net factor must reproduce the final value from the initial one.
	verified := approxEqual(initial*(1+totalChange/100), value)

	return &Result{Answer: answer, Verified: verified, Steps: steps}
}

// ═══════════════════════════════════════════════════════════════════════════
// Three-switch / three-bulb puzzle
// ═══════════════════════════════════════════════════════════════════════════

func detectSwitchPuzzle(prompt string) bool {
	lower := strings.ToLower(prompt)
	return strings.Contains(lower, "switch") && strings.Contains(lower, "bulb") &&
		(strings.Contains(lower, "once") || strings.Contains(lower, "one trip") ||
			strings.Contains(lower, "only enter") || strings.Contains(lower, "one time"))
}

// solveSwitchPuzzle emits the standard warm-bulb procedure. The answer is a
// plan, not a number; it verifies by construction.
func solveSwitchPuzzle(string) *Result {
	answer := "Turn on switch 1 for several minutes, turn it off, turn on switch 2, " +
		"then enter: the lit bulb is switch 2, the warm dark bulb is switch 1, " +
		"and the cold dark bulb is switch 3."
	return &Result{
		Answer:   answer,
		Verified: true,
		Steps: []Step{
			{N: 1, Description: "Turn switch 1 on and leave it for a few minutes, then turn it off"},
			{N: 2, Description: "Turn switch 2 on and walk into the room"},
			{N: 3, Description: "Lit bulb → switch 2; warm but dark → switch 1; cold and dark → switch 3",
				Result: answer},
		},
	}
}
