package narrative

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/drfirst/go-priorauth/internal/domain/authorization"
	"github.com/drfirst/go-priorauth/internal/vocabulary"
)

// ValidatorConfig holds the scoring settings.
type ValidatorConfig struct {
	QualityThreshold float64
	// A cited lab value matches when it is within LabTolerance of the recorded
	// value or within RelativeTolerance of it as a fraction.
	LabTolerance      float64
	RelativeTolerance float64
}

// DefaultValidatorConfig returns the scoring defaults.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		QualityThreshold:  0.9,
		LabTolerance:      0.05,
		RelativeTolerance: 0.01,
	}
}

// Validation is the outcome of checking one narrative.
type Validation struct {
	Score    float64
	Passed   bool
	Checks   []authorization.CheckResult
	Findings []authorization.Finding
}

// Validator checks narratives against a patient record. It is deterministic
// and safe for concurrent use.
type Validator struct {
	vocab  *vocabulary.Vocabulary
	config ValidatorConfig
}

// NewValidator creates a validator. A nil vocabulary uses the built-in terms.
func NewValidator(vocab *vocabulary.Vocabulary, cfg ValidatorConfig) *Validator {
	if vocab == nil {
		vocab = vocabulary.Default()
	}
	return &Validator{vocab: vocab, config: cfg}
}

// Validate runs the four consistency checks. The score is the mean of the
// checks and any failed check fails the narrative regardless of the score.
// requestedDrug is the drug being requested, which the narrative may name
// freely.
func (v *Validator) Validate(text string, patient *authorization.PatientRecord, requestedDrug string) Validation {
	checks := []struct {
		name authorization.CheckName
		run  func(string, *authorization.PatientRecord, string) []authorization.Finding
	}{
		{authorization.CheckDiagnoses, v.checkDiagnoses},
		{authorization.CheckLabValues, v.checkLabs},
		{authorization.CheckTreatments, v.checkTreatments},
		{authorization.CheckICD10Codes, v.checkICD10},
	}

	var out Validation
	passed := 0
	for _, c := range checks {
		findings := c.run(text, patient, requestedDrug)
		ok := len(findings) == 0
		if ok {
			passed++
		}
		out.Checks = append(out.Checks, authorization.CheckResult{Name: c.name, Passed: ok})
		out.Findings = append(out.Findings, findings...)
	}
	out.Score = float64(passed) / float64(len(checks))
	out.Passed = passed == len(checks) && out.Score >= v.config.QualityThreshold
	return out
}

func (v *Validator) checkDiagnoses(text string, p *authorization.PatientRecord, _ string) []authorization.Finding {
	var findings []authorization.Finding
	for _, term := range v.vocab.MentionedDiagnoses(text) {
		if !v.vocab.PatientHas(p, term) {
			findings = append(findings, authorization.Finding{
				Check:  authorization.CheckDiagnoses,
				Claim:  term.Name,
				Detail: "diagnosis is not on the patient's problem list",
			})
		}
	}
	// Conditions outside the vocabulary are only caught after an explicit cue.
	for _, claim := range cuedConditions(text) {
		if len(v.vocab.MentionedDiagnoses(claim)) > 0 || conditionRecorded(p, claim) {
			continue
		}
		findings = append(findings, authorization.Finding{
			Check:  authorization.CheckDiagnoses,
			Claim:  claim,
			Detail: "diagnosis is not on the patient's problem list",
		})
	}
	return findings
}

var (
	diagnosisCue   = regexp.MustCompile(`(?i)\b(?:diagnosed with|diagnosis of|comorbid(?:ities include)?)\s+([^.;:()\n]{3,120})`)
	listSeparator  = regexp.MustCompile(`(?i)\s*(?:,|\band\b|\bor\b)\s*`)
	conditionTail  = regexp.MustCompile(`(?i)\s+(?:with|since|in|who|that|which|for|on|at|requiring|treated)\b.*$`)
	leadingArticle = regexp.MustCompile(`(?i)^(?:a|an|the|both|also)\s+`)
)

// cuedConditions returns the conditions listed after "diagnosed with" and
// similar phrases, lower-cased.
func cuedConditions(text string) []string {
	var out []string
	for _, m := range diagnosisCue.FindAllStringSubmatch(text, -1) {
		for _, item := range listSeparator.Split(m[1], -1) {
			item = conditionTail.ReplaceAllString(strings.TrimSpace(item), "")
			item = strings.TrimSpace(leadingArticle.ReplaceAllString(item, ""))
			if len(item) >= 3 {
				out = append(out, strings.ToLower(item))
			}
		}
	}
	return out
}

func conditionRecorded(p *authorization.PatientRecord, claim string) bool {
	for _, d := range p.Diagnoses {
		name := strings.ToLower(d.Name)
		if strings.Contains(name, claim) || strings.Contains(claim, name) {
			return true
		}
	}
	return false
}

var (
	numberToken = regexp.MustCompile(`\d+(?:\.\d+)?`)
	// notAValue ends right before a number that is a threshold, a change or a
	// classification rather than the patient's value.
	notAValue = regexp.MustCompile(`(?i)(?:[<>≥≤]=?|\babove|\bbelow|\bover|\bunder|\bat least|\bat most|\b(?:greater|less|more|fewer) than|\bexceed(?:s|ing)?|\b(?:threshold|target|goal|cutoff|minimum|maximum|loss|reduction|gain|decrease|increase|change|drop) (?:of|by)|\b(?:type|stage|grade|class|tier|step|phase))\s*$`)
	// unitAfter marks a duration or a dose.
	unitAfter = regexp.MustCompile(`(?i)^[\s-]*(?:months?|weeks?|days?|years?|yrs?|mg|mcg|ml|units?|times)\b`)
)

// labReach is how far, in bytes, a number may sit from a lab name and still
// be read as its value.
const labReach = 40

type citedNumber struct {
	start, end int
	raw        string
	value      float64
}

// citedNumbers returns the numbers in text[start:end] that may be lab values.
// Digits glued to a letter, as in E11.9 or kg/m2, are not values.
func citedNumbers(text string, start, end int) []citedNumber {
	var out []citedNumber
	for _, loc := range numberToken.FindAllStringIndex(text[start:end], -1) {
		s, e := start+loc[0], start+loc[1]
		if s > 0 && (isLetter(text[s-1]) || text[s-1] == '.') {
			continue
		}
		if notAValue.MatchString(text[start:s]) || unitAfter.MatchString(text[e:end]) {
			continue
		}
		raw := text[s:e]
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		if !strings.Contains(raw, ".") && value >= 1900 && value <= 2100 {
			continue
		}
		out = append(out, citedNumber{start: s, end: e, raw: raw, value: value})
	}
	return out
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// labDistance is the gap between a number and a lab name. A number before the
// name counts as slightly further away than one after it.
func labDistance(n citedNumber, m vocabulary.LabMention) int {
	if n.start >= m.End {
		return n.start - m.End
	}
	return m.Start - n.end + 3
}

// checkLabs reads every number in a lab's clause, before or after the name,
// and gives it to the nearest lab name.
func (v *Validator) checkLabs(text string, p *authorization.PatientRecord, _ string) []authorization.Finding {
	mentions := v.vocab.FindLabs(text)
	owned := make(map[int][]citedNumber)
	scanned := make(map[[2]int]bool)
	for _, m := range mentions {
		start, end := clauseBounds(text, m.Start)
		if scanned[[2]int{start, end}] {
			continue
		}
		scanned[[2]int{start, end}] = true

		for _, n := range citedNumbers(text, start, end) {
			best, bestDist := -1, labReach+1
			for i, other := range mentions {
				if other.Start < start || other.End > end {
					continue
				}
				if n.start < other.End && n.end > other.Start {
					best = -1
					break
				}
				if d := labDistance(n, other); d < bestDist {
					best, bestDist = i, d
				}
			}
			if best >= 0 {
				owned[best] = append(owned[best], n)
			}
		}
	}

	var findings []authorization.Finding
	for i, m := range mentions {
		for _, n := range owned[i] {
			claim := m.Alias + " " + n.raw
			recorded, ok := v.vocab.PatientLab(p, m.Key)
			if !ok {
				findings = append(findings, authorization.Finding{
					Check:  authorization.CheckLabValues,
					Claim:  claim,
					Detail: "no " + m.Key + " value is recorded for the patient",
				})
				continue
			}
			if !v.labMatches(n.value, recorded.Value) {
				findings = append(findings, authorization.Finding{
					Check:  authorization.CheckLabValues,
					Claim:  claim,
					Detail: fmt.Sprintf("recorded %s is %s", m.Key, strconv.FormatFloat(recorded.Value, 'f', -1, 64)),
				})
			}
		}
	}
	return findings
}

func (v *Validator) labMatches(cited, recorded float64) bool {
	diff := math.Abs(cited - recorded)
	return diff <= v.config.LabTolerance+1e-9 || diff <= math.Abs(recorded)*v.config.RelativeTolerance
}

var (
	treatmentContext = regexp.MustCompile(`(?i)\b(tried|trial|trials|failed|failure|treated|treatment with|therapy with|took|taking|received|prior|previous|previously|history of|inadequate|discontinued|despite)\b`)
	monthDuration    = regexp.MustCompile(`(?i)\b(\d+)[\s-]*months?\b`)
	successClaim     = regexp.MustCompile(`(?i)\b(?:effective(?:ly)?|successful(?:ly)?|well[- ]controlled|controlled|achieved (?:\w+ )?control|(?:good|excellent|adequate|optimal) (?:\w+ )?(?:control|response)|responded well|resolved)\b`)
	negatedBefore    = regexp.MustCompile(`(?i)\b(?:not|no|never|without|poorly|failed to|lack of|nor)\s+(?:\w+\s+)?$`)
	failedOutcome    = regexp.MustCompile(`(?i)(inadequate|insufficient|fail|ineffective|intoleran|no response|not tolerated|side effect|adverse|contraindicat)`)
)

func (v *Validator) checkTreatments(text string, p *authorization.PatientRecord, requestedDrug string) []authorization.Finding {
	known := make([]string, 0, len(p.TreatmentHistory)+len(p.CurrentMedications))
	for _, t := range p.TreatmentHistory {
		known = append(known, t.Drug)
	}
	known = append(known, p.CurrentMedications...)
	if requestedDrug != "" {
		known = append(known, requestedDrug)
	}

	var findings []authorization.Finding
	mentions := v.vocab.FindDrugs(text, known...)
	for i, m := range mentions {
		if requestedDrug != "" && strings.EqualFold(m.Drug, requestedDrug) {
			continue
		}
		start, end := sentenceBounds(text, m.Start)
		if !treatmentContext.MatchString(text[start:end]) {
			continue
		}

		attempt, recorded := findTreatment(p, m.Drug)
		if !recorded {
			if !isCurrentMedication(p, m.Drug) {
				findings = append(findings, authorization.Finding{
					Check:  authorization.CheckTreatments,
					Claim:  text[m.Start:m.End],
					Detail: "no recorded treatment attempt with this drug",
				})
			}
			continue
		}

		// Claims belong to this drug only between its neighbouring drug mentions.
		segStart, segEnd := start, end
		if i > 0 && mentions[i-1].End > segStart {
			segStart = mentions[i-1].End
		}
		if i+1 < len(mentions) && mentions[i+1].Start < segEnd {
			segEnd = mentions[i+1].Start
		}

		if months, ok := claimedMonths(text[segStart:m.Start], text[m.End:segEnd]); ok && months != attempt.DurationMonths {
			findings = append(findings, authorization.Finding{
				Check:  authorization.CheckTreatments,
				Claim:  fmt.Sprintf("%s for %d months", text[m.Start:m.End], months),
				Detail: fmt.Sprintf("recorded duration is %d months", attempt.DurationMonths),
			})
		}
		if claim, ok := claimedSuccess(text[segStart:segEnd]); ok && failedOutcome.MatchString(attempt.Outcome) {
			findings = append(findings, authorization.Finding{
				Check:  authorization.CheckTreatments,
				Claim:  text[m.Start:m.End] + " " + claim,
				Detail: "recorded outcome is " + attempt.Outcome,
			})
		}
	}
	return findings
}

// claimedMonths prefers the first duration after the drug name and falls back
// to the last one before it, as in "a 12-month trial of metformin".
func claimedMonths(before, after string) (int, bool) {
	d := monthDuration.FindStringSubmatch(after)
	if d == nil {
		all := monthDuration.FindAllStringSubmatch(before, -1)
		if len(all) == 0 {
			return 0, false
		}
		d = all[len(all)-1]
	}
	months, err := strconv.Atoi(d[1])
	return months, err == nil
}

// claimedSuccess returns the first success wording in segment that is not
// negated.
func claimedSuccess(segment string) (string, bool) {
	for _, loc := range successClaim.FindAllStringIndex(segment, -1) {
		if !negatedBefore.MatchString(segment[:loc[0]]) {
			return segment[loc[0]:loc[1]], true
		}
	}
	return "", false
}

func findTreatment(p *authorization.PatientRecord, drug string) (authorization.TreatmentAttempt, bool) {
	if t, ok := p.Treatment(drug); ok {
		return t, true
	}
	for _, t := range p.TreatmentHistory {
		if strings.Contains(strings.ToLower(t.Drug), drug) {
			return t, true
		}
	}
	return authorization.TreatmentAttempt{}, false
}

func isCurrentMedication(p *authorization.PatientRecord, drug string) bool {
	for _, m := range p.CurrentMedications {
		if strings.Contains(strings.ToLower(m), drug) {
			return true
		}
	}
	return false
}

// clauseBounds narrows the sentence containing pos to its semicolon clause.
func clauseBounds(text string, pos int) (int, int) {
	start, end := sentenceBounds(text, pos)
	if i := strings.LastIndexByte(text[start:pos], ';'); i >= 0 {
		start += i + 1
	}
	if i := strings.IndexByte(text[pos:end], ';'); i >= 0 {
		end = pos + i
	}
	return start, end
}

// sentenceBounds returns the byte range of the sentence containing pos. A
// period followed by a digit is a decimal point, not a boundary.
func sentenceBounds(text string, pos int) (int, int) {
	start := 0
	for i := pos - 1; i >= 0; i-- {
		if isBoundary(text, i) {
			start = i + 1
			break
		}
	}
	end := len(text)
	for i := pos; i < len(text); i++ {
		if isBoundary(text, i) {
			end = i
			break
		}
	}
	return start, end
}

func isBoundary(text string, i int) bool {
	switch text[i] {
	case '\n':
		return true
	case '.', '!', '?':
		return i+1 == len(text) || text[i+1] == ' ' || text[i+1] == '\n'
	}
	return false
}

var icd10Code = regexp.MustCompile(`\b[A-TV-Z][0-9][0-9AB](?:\.[0-9A-TV-Z]{1,4})?\b`)

func (v *Validator) checkICD10(text string, p *authorization.PatientRecord, _ string) []authorization.Finding {
	var findings []authorization.Finding
	seen := make(map[string]bool)
	for _, loc := range icd10Code.FindAllStringIndex(text, -1) {
		code := text[loc[0]:loc[1]]
		if seen[code] || strings.HasSuffix(strings.ToLower(text[:loc[0]]), "vitamin ") {
			continue
		}
		seen[code] = true
		if !hasCode(p, code) {
			findings = append(findings, authorization.Finding{
				Check:  authorization.CheckICD10Codes,
				Claim:  code,
				Detail: "code is not among the patient's diagnoses",
			})
		}
	}
	return findings
}

// hasCode accepts an exact code or the category of a recorded code.
func hasCode(p *authorization.PatientRecord, code string) bool {
	if p.HasDiagnosisCode(code) {
		return true
	}
	for _, d := range p.Diagnoses {
		if strings.HasPrefix(strings.ToUpper(d.ICD10), strings.ToUpper(code)+".") {
			return true
		}
	}
	return false
}
