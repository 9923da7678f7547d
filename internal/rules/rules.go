// Package rules implements the curator Rules Engine: an ordered, compiled
// set of (path regex, MIME glob) -> (category template, folder action,
// mode) rules loaded from a header-less CSV file.
//
// Evaluation is strictly sequential and the first matching rule wins. The
// engine never inspects a hardcoded path or MIME value itself — every such
// decision lives in the rules file the caller loads.
package rules

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/sortkeep/curator/internal/apperr"
	"github.com/sortkeep/curator/internal/model"
)

const expectedColumns = 5

// compiledRule is a model.Rule plus its compiled regex and named group
// index, immutable after Load.
type compiledRule struct {
	model.Rule
	re          *regexp.Regexp
	groupNames  []string
	mimeFamily  string // "*" wildcard, "type/*" family, or exact
}

// Engine holds a compiled, ordered rule set. Stateless after Load: Match,
// MatchFolder and SurveyFolder may be called concurrently from any number
// of goroutines.
type Engine struct {
	rules []compiledRule
}

// Len reports how many rules were compiled.
func (e *Engine) Len() int { return len(e.rules) }

// Load reads, parses, and compiles the rules file at path. It fails fast on
// malformed regex or an unknown folder_action/mode value. Duplicate rules
// (a rule whose regex and MIME glob are identical to an earlier rule's, so
// it can never match) are reported only as warnings, returned alongside
// the Engine; broader earlier patterns that shadow a rule are not detected.
func Load(rulesPath string) (*Engine, []string, error) {
	f, err := os.Open(rulesPath)
	if err != nil {
		return nil, nil, apperr.NewConfigError("opening rules file", err)
	}
	defer f.Close()

	return load(f)
}

func load(r io.Reader) (*Engine, []string, error) {
	reader := csv.NewReader(bufio.NewReader(r))
	reader.FieldsPerRecord = -1
	reader.Comment = '#'
	reader.TrimLeadingSpace = true

	var compiled []compiledRule
	var warnings []string
	idx := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, apperr.NewConfigError("reading rules CSV", err)
		}
		if len(record) == 0 {
			continue
		}
		if isBlankRecord(record) {
			continue
		}
		if len(record) != expectedColumns {
			return nil, nil, apperr.NewConfigError(
				fmt.Sprintf("rule %d: expected %d columns, got %d", idx, expectedColumns, len(record)), nil)
		}

		cr, err := compileRule(idx, record)
		if err != nil {
			return nil, nil, apperr.NewConfigError(fmt.Sprintf("rule %d", idx), err)
		}

		for _, prior := range compiled {
			if prior.re.String() == cr.re.String() && prior.mimeFamily == cr.mimeFamily {
				warnings = append(warnings, fmt.Sprintf(
					"rule %d is unreachable: identical to rule %d", cr.Index, prior.Index))
			}
		}

		compiled = append(compiled, cr)
		idx++
	}

	return &Engine{rules: compiled}, warnings, nil
}

func isBlankRecord(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func compileRule(idx int, record []string) (compiledRule, error) {
	pathRegex := strings.TrimSpace(record[0])
	mimeGlob := strings.TrimSpace(record[1])
	categoryTemplate := strings.TrimSpace(record[2])
	folderAction := model.FolderAction(strings.TrimSpace(record[3]))
	mode := model.RuleMode(strings.TrimSpace(record[4]))

	re, err := regexp.Compile(pathRegex)
	if err != nil {
		return compiledRule{}, fmt.Errorf("invalid path regex %q: %w", pathRegex, err)
	}

	switch folderAction {
	case model.ActionKeep, model.ActionKeepExcept, model.ActionDisaggregate:
	default:
		return compiledRule{}, fmt.Errorf("unknown folder_action %q", folderAction)
	}

	switch mode {
	case model.ModeFinal, model.ModeAI:
	default:
		return compiledRule{}, fmt.Errorf("unknown mode %q", mode)
	}

	return compiledRule{
		Rule: model.Rule{
			Index:            idx,
			PathRegex:        pathRegex,
			MIMEGlob:         mimeGlob,
			CategoryTemplate: categoryTemplate,
			FolderAction:     folderAction,
			Mode:             mode,
		},
		re:         re,
		groupNames: re.SubexpNames(),
		mimeFamily: mimeGlob,
	}, nil
}

// Match is the file-classification query: it returns the first rule whose
// path regex matches path and whose MIME glob matches mime, along with the
// named captures extracted from the path. A nil *model.Rule return means no
// rule matched; the caller applies the Other/Unsorted default.
func (e *Engine) Match(filePath, mime string) (*model.Rule, map[string]string, bool) {
	for i := range e.rules {
		cr := &e.rules[i]
		if !cr.re.MatchString(filePath) {
			continue
		}
		if !mimeMatches(cr.mimeFamily, mime) {
			continue
		}
		captures := extractCaptures(cr, filePath)
		rule := cr.Rule
		return &rule, captures, true
	}
	return nil, nil, false
}

// MatchFolder is the folder-level rule query used by the Classifier Chain:
// the first rule whose path regex matches folderPath, independent of MIME
// (folders carry no MIME type). Only rules whose MIME glob is exactly the
// wildcard "*" take part in this query; rules with any other MIME glob
// never fire here.
func (e *Engine) MatchFolder(folderPath string) (*model.Rule, map[string]string, bool) {
	for i := range e.rules {
		cr := &e.rules[i]
		if cr.mimeFamily != "*" {
			continue
		}
		if !cr.re.MatchString(folderPath) {
			continue
		}
		captures := extractCaptures(cr, folderPath)
		rule := cr.Rule
		return &rule, captures, true
	}
	return nil, nil, false
}

func extractCaptures(cr *compiledRule, input string) map[string]string {
	match := cr.re.FindStringSubmatch(input)
	if match == nil {
		return nil
	}
	captures := make(map[string]string, len(cr.groupNames))
	for i, name := range cr.groupNames {
		if name == "" || i >= len(match) {
			continue
		}
		captures[name] = match[i]
	}
	return captures
}

func mimeMatches(glob, mime string) bool {
	if glob == "" || glob == "*" {
		return true
	}
	if strings.HasSuffix(glob, "/*") {
		family := strings.TrimSuffix(glob, "/*")
		return strings.HasPrefix(mime, family+"/")
	}
	return glob == mime
}

// ResolveCategory substitutes {name} placeholders in template using
// captures. It returns an error if any placeholder cannot be resolved from
// captures, per the invariant that every captured group referenced by a
// rule's category path template must resolve from the matched metadata, or
// the rule is skipped.
func ResolveCategory(template string, captures map[string]string) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(template) {
		if template[i] == '{' {
			end := strings.IndexByte(template[i:], '}')
			if end < 0 {
				return "", fmt.Errorf("unterminated placeholder in template %q", template)
			}
			name := template[i+1 : i+end]
			val, ok := captures[name]
			if !ok {
				return "", fmt.Errorf("template %q references unresolved capture %q", template, name)
			}
			b.WriteString(val)
			i += end + 1
			continue
		}
		b.WriteByte(template[i])
		i++
	}
	return path.Clean("/" + b.String())[1:], nil
}

// FolderHintSample bounds how many files within a folder are surveyed to
// build a folder hint.
const FolderHintSample = 64

// FolderHint summarizes rule hits across a bounded sample of a folder's
// files: the dominant (most frequent) rule's folder action, and the total
// number of sampled files that matched any rule at all. It feeds the AI
// query for every folder the rules stage did not finalize.
type FolderHint struct {
	DominantAction model.FolderAction
	MatchedCount   int
	SampledCount   int
	RuleHit        *model.Rule
}

// SurveyFolder evaluates Match against a bounded, deterministically sorted
// sample of (path, mime) pairs within one folder and returns the dominant
// folder action among the rules that fired.
func (e *Engine) SurveyFolder(files []model.FileRecord) FolderHint {
	sorted := make([]model.FileRecord, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	if len(sorted) > FolderHintSample {
		sorted = sorted[:FolderHintSample]
	}

	counts := make(map[model.FolderAction]int)
	lastRuleForAction := make(map[model.FolderAction]*model.Rule)
	matched := 0

	for _, f := range sorted {
		rule, _, ok := e.Match(f.Path, f.MIME)
		if !ok {
			continue
		}
		matched++
		counts[rule.FolderAction]++
		lastRuleForAction[rule.FolderAction] = rule
	}

	var bestRule *model.Rule
	bestCount := 0
	for action, count := range counts {
		if count > bestCount {
			bestCount = count
			bestRule = lastRuleForAction[action]
		}
	}

	hint := FolderHint{SampledCount: len(sorted), MatchedCount: matched}
	if bestRule != nil {
		hint.DominantAction = bestRule.FolderAction
		hint.RuleHit = bestRule
	}
	return hint
}
