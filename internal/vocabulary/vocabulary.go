// Package vocabulary holds the clinical terms used to read policy criteria and
// to check generated narratives against a patient record.
package vocabulary

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/drfirst/go-priorauth/internal/domain/authorization"
)

//go:embed default.yaml
var defaultYAML []byte

// LabTerm is a lab test with the spellings it goes by.
type LabTerm struct {
	Key     string   `yaml:"key"`
	Aliases []string `yaml:"aliases"`
}

// DiagnosisTerm is a condition with its spellings and ICD-10 code prefixes.
type DiagnosisTerm struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
	ICD10   []string `yaml:"icd10"`
}

// Vocabulary is immutable after Parse and safe for concurrent use.
type Vocabulary struct {
	Labs      []LabTerm       `yaml:"labs"`
	Diagnoses []DiagnosisTerm `yaml:"diagnoses"`
	Drugs     []string        `yaml:"drugs"`

	labPatterns  []*regexp.Regexp
	diagPatterns []*regexp.Regexp
	drugPatterns []*regexp.Regexp
}

// Default returns the built-in vocabulary.
func Default() *Vocabulary {
	v, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("vocabulary: built-in terms: %v", err))
	}
	return v
}

// Load reads a vocabulary file. An empty path returns Default.
func Load(path string) (*Vocabulary, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML vocabulary data and compiles its matchers.
func Parse(data []byte) (*Vocabulary, error) {
	var v Vocabulary
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode vocabulary: %w", err)
	}

	for _, l := range v.Labs {
		if l.Key == "" || len(l.Aliases) == 0 {
			return nil, fmt.Errorf("lab term %q needs a key and aliases", l.Key)
		}
		v.labPatterns = append(v.labPatterns, termPattern(l.Aliases))
	}
	for _, d := range v.Diagnoses {
		if d.Name == "" || len(d.Aliases) == 0 {
			return nil, fmt.Errorf("diagnosis term %q needs a name and aliases", d.Name)
		}
		v.diagPatterns = append(v.diagPatterns, termPattern(d.Aliases))
	}
	for _, d := range v.Drugs {
		v.drugPatterns = append(v.drugPatterns, termPattern([]string{d}))
	}
	return &v, nil
}

// termPattern matches any alias as a whole word, case-insensitively.
func termPattern(aliases []string) *regexp.Regexp {
	quoted := make([]string, len(aliases))
	for i, a := range aliases {
		quoted[i] = regexp.QuoteMeta(strings.ToLower(a))
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
}

// LabMention is a lab named in free text.
type LabMention struct {
	Key   string
	Alias string
	// Start and End are the byte offsets of the alias.
	Start int
	End   int
}

// FindLabs returns each lab mentioned in text, in order of first mention.
func (v *Vocabulary) FindLabs(text string) []LabMention {
	var out []LabMention
	for i, p := range v.labPatterns {
		for _, loc := range p.FindAllStringSubmatchIndex(text, -1) {
			out = append(out, LabMention{
				Key:   v.Labs[i].Key,
				Alias: text[loc[2]:loc[3]],
				Start: loc[2],
				End:   loc[3],
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].End < out[j].End })
	return out
}

// MentionedLabs returns the distinct lab keys named in text.
func (v *Vocabulary) MentionedLabs(text string) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, m := range v.FindLabs(text) {
		if !seen[m.Key] {
			seen[m.Key] = true
			keys = append(keys, m.Key)
		}
	}
	return keys
}

// PatientLab looks up the patient's value for a lab key under any of its aliases.
func (v *Vocabulary) PatientLab(p *authorization.PatientRecord, key string) (authorization.LabResult, bool) {
	if r, ok := p.Lab(key); ok {
		return r, true
	}
	for _, l := range v.Labs {
		if !strings.EqualFold(l.Key, key) {
			continue
		}
		for _, a := range l.Aliases {
			if r, ok := p.Lab(a); ok {
				return r, true
			}
			if r, ok := p.Lab(strings.ReplaceAll(a, " ", "_")); ok {
				return r, true
			}
		}
	}
	return authorization.LabResult{}, false
}

// MentionedDiagnoses returns the diagnosis terms named in text.
func (v *Vocabulary) MentionedDiagnoses(text string) []DiagnosisTerm {
	var out []DiagnosisTerm
	for i, p := range v.diagPatterns {
		if p.MatchString(text) {
			out = append(out, v.Diagnoses[i])
		}
	}
	return out
}

// PatientHas reports whether the patient's problem list contains the
// condition, by name or by ICD-10 prefix.
func (v *Vocabulary) PatientHas(p *authorization.PatientRecord, term DiagnosisTerm) bool {
	pattern := termPattern(term.Aliases)
	for _, d := range p.Diagnoses {
		if pattern.MatchString(d.Name) || strings.Contains(strings.ToLower(d.Name), strings.ToLower(term.Name)) {
			return true
		}
		code := strings.ToUpper(d.ICD10)
		for _, prefix := range term.ICD10 {
			if code != "" && strings.HasPrefix(code, strings.ToUpper(prefix)) {
				return true
			}
		}
	}
	return false
}

// DrugMention is a drug named in free text.
type DrugMention struct {
	Drug  string
	Start int
	End   int
}

// FindDrugs returns vocabulary drugs and the extra names mentioned in text,
// ordered by position.
func (v *Vocabulary) FindDrugs(text string, extra ...string) []DrugMention {
	patterns := v.drugPatterns
	names := v.Drugs
	for _, e := range extra {
		if e == "" {
			continue
		}
		patterns = append(patterns[:len(patterns):len(patterns)], termPattern([]string{e}))
		names = append(names[:len(names):len(names)], e)
	}

	var out []DrugMention
	seen := make(map[int]bool)
	for i, p := range patterns {
		for _, loc := range p.FindAllStringSubmatchIndex(text, -1) {
			if seen[loc[2]] {
				continue
			}
			seen[loc[2]] = true
			out = append(out, DrugMention{Drug: strings.ToLower(names[i]), Start: loc[2], End: loc[3]})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}
