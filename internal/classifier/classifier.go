// Package classifier implements the Classifier Chain, the hardest
// subsystem in the pipeline: a strictly depth-ascending, KEEP-inheriting
// decision chain (Rules -> AI -> Default) over folders, followed by
// per-file classification within each folder's resulting action.
//
// Invariant enforcement is a small set of Gates — adapted from the shape
// of the teacher's orchestrator gate abstraction (Name() string, Check(...)
// error) — repurposed entirely: instead of checking TDD/verification
// workflow compliance, KeepInheritanceGate and SingleClassificationGate
// check this system's two hard invariants and return
// apperr.InvariantViolation on breach.
package classifier

import (
	"context"
	"math"
	"path/filepath"
	"sort"

	"github.com/sourcegraph/conc/pool"

	"github.com/sortkeep/curator/internal/aiclient"
	"github.com/sortkeep/curator/internal/apperr"
	"github.com/sortkeep/curator/internal/model"
	"github.com/sortkeep/curator/internal/rules"
)

// Store is the subset of *catalog.Store the Chain needs.
type Store interface {
	GetFolder(path string) (model.FolderRecord, bool, error)
	PutFolder(ctx context.Context, rec model.FolderRecord) error
	PutFile(ctx context.Context, rec model.FileRecord) error
	FoldersByDepthRange(minDepth, maxDepth int) ([]model.FolderRecord, error)
	FilesUnderPrefix(prefix string) ([]model.FileRecord, error)
}

// Gate checks one chain invariant against a folder about to be classified.
// folder.Classified and folder.Action reflect the state immediately before
// the gated transition; parent is the already-committed parent record
// (hasParent is false for source roots).
type Gate interface {
	Name() string
	Check(ctx context.Context, folder model.FolderRecord, parent model.FolderRecord, hasParent bool) error
}

// KeepInheritanceGate refuses to let a folder run the Rules/AI/Default
// chain when its parent's committed action is keep: per spec §3/§4.6,
// nothing below a committed KEEP is ever independently evaluated.
type KeepInheritanceGate struct{}

func (KeepInheritanceGate) Name() string { return "keep-inheritance" }

func (KeepInheritanceGate) Check(_ context.Context, folder, parent model.FolderRecord, hasParent bool) error {
	if hasParent && parent.Action == model.ActionKeep {
		return apperr.NewInvariantViolation(folder.Path, "descendant of a committed keep folder reached the evaluation stage")
	}
	return nil
}

// SingleClassificationGate refuses to re-classify a folder already marked
// Classified, per spec §3's "every FolderRecord is classified exactly once".
type SingleClassificationGate struct{}

func (SingleClassificationGate) Name() string { return "single-classification" }

func (SingleClassificationGate) Check(_ context.Context, folder, _ model.FolderRecord, _ bool) error {
	if folder.Classified {
		return apperr.NewInvariantViolation(folder.Path, "folder already classified")
	}
	return nil
}

// DefaultGates returns the two hard invariant gates the Chain always runs.
func DefaultGates() []Gate {
	return []Gate{KeepInheritanceGate{}, SingleClassificationGate{}}
}

// ChildSampleSize bounds how many child names are sent to the AI per
// folder query.
const ChildSampleSize = 32

// Config controls one Chain.
type Config struct {
	Workers   int
	AIEnabled bool
}

// Chain is the Classifier Chain.
type Chain struct {
	store Store
	rules *rules.Engine
	ai    aiclient.Client
	gates []Gate
	cfg   Config
}

// New builds a Chain. ai may be nil when cfg.AIEnabled is false.
func New(store Store, engine *rules.Engine, ai aiclient.Client, cfg Config) *Chain {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	return &Chain{store: store, rules: engine, ai: ai, gates: DefaultGates(), cfg: cfg}
}

// folderResolution is the per-folder working state carried between Run's
// three phases for one depth band: the rule stage (concurrent, no AI), the
// AI stage (one batched call for the whole band), and the commit stage
// (concurrent again).
type folderResolution struct {
	folder   model.FolderRecord
	done     bool // already finalized, no AI stage needed
	rule     *model.Rule
	captures map[string]string
	hint     model.FolderAction
	query    aiclient.FolderQuery
}

// Run classifies every folder and file under roots, processing folders in
// strict depth-ascending order: a depth band is fully resolved at the rule
// stage, then sent to the AI stage as one batch (per spec §4.7's folder
// queries within one batch being independent and order-agnostic), then
// committed — all before the next depth is dispatched, which is the depth
// barrier spec §5 requires.
func (c *Chain) Run(ctx context.Context, roots []string) error {
	folders, err := c.store.FoldersByDepthRange(0, math.MaxInt32)
	if err != nil {
		return err
	}

	byDepth := make(map[int][]model.FolderRecord)
	maxDepth := 0
	for _, f := range folders {
		byDepth[f.Depth] = append(byDepth[f.Depth], f)
		if f.Depth > maxDepth {
			maxDepth = f.Depth
		}
	}

	for depth := 0; depth <= maxDepth; depth++ {
		band := byDepth[depth]
		sort.Slice(band, func(i, j int) bool { return band[i].Path < band[j].Path })

		resolutions := make([]folderResolution, len(band))

		rp := pool.New().WithContext(ctx).WithMaxGoroutines(c.cfg.Workers)
		for i, folder := range band {
			i, folder := i, folder
			rp.Go(func(ctx context.Context) error {
				r, err := c.resolveRuleStage(ctx, folder)
				if err != nil {
					return err
				}
				resolutions[i] = r
				return nil
			})
		}
		if err := rp.Wait(); err != nil {
			return err
		}

		c.runAIStage(ctx, resolutions)

		cp := pool.New().WithContext(ctx).WithMaxGoroutines(c.cfg.Workers)
		for i := range resolutions {
			i := i
			cp.Go(func(ctx context.Context) error {
				folder := resolutions[i].folder
				if err := c.store.PutFolder(ctx, folder); err != nil {
					return err
				}
				return c.classifyFiles(ctx, folder)
			})
		}
		if err := cp.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// resolveRuleStage runs the gates, KEEP inheritance, and the rules stage
// for one folder (spec §4.6 steps 1-4). It never calls the AI: a folder
// that the rules stage cannot finalize comes back with done=false and an
// aiclient.FolderQuery ready for the batched AI stage.
func (c *Chain) resolveRuleStage(ctx context.Context, folder model.FolderRecord) (folderResolution, error) {
	var parent model.FolderRecord
	var hasParent bool
	var err error
	if folder.Parent != "" {
		parent, hasParent, err = c.store.GetFolder(folder.Parent)
		if err != nil {
			return folderResolution{}, err
		}
	}

	if hasParent && parent.Action == model.ActionKeep {
		folder.Action = model.ActionKeep
		folder.Source = model.SourceInherited
		folder.Category = parent.Category
		folder.Classified = true
		return folderResolution{folder: folder, done: true}, nil
	}

	for _, g := range c.gates {
		if err := g.Check(ctx, folder, parent, hasParent); err != nil {
			return folderResolution{}, err
		}
	}

	rule, captures, ruleOK := c.rules.MatchFolder(folder.Path)
	var hint model.FolderAction
	if ruleOK {
		if rule.Mode == model.ModeFinal {
			category, _ := rules.ResolveCategory(rule.CategoryTemplate, captures)
			folder.Action = rule.FolderAction
			folder.Source = model.SourceRuleFinal
			folder.Category = category
			folder.Classified = true
			return folderResolution{folder: folder, done: true}, nil
		}
		hint = rule.FolderAction
	}

	if !c.cfg.AIEnabled || c.ai == nil {
		folder.Action = defaultAction(hint)
		folder.Source = model.SourceDefault
		folder.Classified = true
		return folderResolution{folder: folder, done: true}, nil
	}

	names, histogram := c.sampleChildren(folder.Path)
	survey := c.surveyFolder(folder.Path)
	query := aiclient.FolderQuery{
		FolderPath:           folder.Path,
		SampleChildren:       names,
		MIMEHistogram:        histogram,
		RuleHint:             hint,
		SurveyDominantAction: survey.DominantAction,
		SurveySampledCount:   survey.SampledCount,
		SurveyMatchedCount:   survey.MatchedCount,
	}
	return folderResolution{folder: folder, rule: rule, captures: captures, hint: hint, query: query}, nil
}

// runAIStage batches every not-yet-resolved folder in the band into one
// aiclient.ClassifyFolders call and applies each decision, falling back to
// the default action per-folder on error or an ambiguous result. Spec
// §4.6 step 6's tie-break and §4.7's batching both apply here.
func (c *Chain) runAIStage(ctx context.Context, resolutions []folderResolution) {
	var pending []int
	var queries []aiclient.FolderQuery
	for i, r := range resolutions {
		if r.done {
			continue
		}
		pending = append(pending, i)
		queries = append(queries, r.query)
	}
	if len(pending) == 0 {
		return
	}

	decisions, errs := c.ai.ClassifyFolders(ctx, queries)

	for qi, idx := range pending {
		r := resolutions[idx]
		folder := r.folder

		var decision aiclient.Decision
		var derr error
		if qi < len(decisions) {
			decision = decisions[qi]
		}
		if qi < len(errs) {
			derr = errs[qi]
		}

		if derr == nil && (decision.Action == model.ActionKeep || decision.Action == model.ActionDisaggregate) {
			folder.Action = decision.Action
			folder.Source = model.SourceAI
			folder.Category = resolveAICategory(r.rule, r.captures, decision.Category)
			if r.rule != nil {
				folder.Source = model.SourceRuleHintAI
			}
			folder.Classified = true
			resolutions[idx].folder = folder
			resolutions[idx].done = true
			continue
		}

		// AI unavailable or ambiguous: fall through to default, per spec
		// §4.6's tie-break rule.
		folder.Action = defaultAction(r.hint)
		folder.Source = model.SourceDefault
		folder.Classified = true
		resolutions[idx].folder = folder
		resolutions[idx].done = true
	}
}

// resolveAICategory grounds an AI-confirmed folder decision in the
// matched rule's category template when one exists (spec §8 scenario:
// "Photos/{backup_year}/, keep, ai" + AI confirms keep -> the template's
// captures, not the AI's free-text category, decide the path). Falls back
// to the AI's raw category when no rule hinted this folder, or when the
// rule's template cannot resolve from the folder's captures.
func resolveAICategory(rule *model.Rule, captures map[string]string, aiCategory string) string {
	if rule == nil {
		return aiCategory
	}
	category, err := rules.ResolveCategory(rule.CategoryTemplate, captures)
	if err != nil {
		return aiCategory
	}
	return category
}

// defaultAction implements spec §4.6 step 6: disaggregate at source roots
// and for folders with no signal at all; keep when a rule hinted at a
// project marker (keep or keep_except) even though AI could not finalize.
func defaultAction(hint model.FolderAction) model.FolderAction {
	if hint == model.ActionKeep || hint == model.ActionKeepExcept {
		return model.ActionKeep
	}
	return model.ActionDisaggregate
}

// sampleChildren returns a bounded, sorted sample of a folder's immediate
// file names plus a MIME histogram over all its immediate files, both fed
// to the AI as context per spec §4.6 step 5.
func (c *Chain) sampleChildren(folderPath string) ([]string, map[string]int) {
	files := c.immediateFiles(folderPath)
	var names []string
	histogram := make(map[string]int)
	for _, f := range files {
		histogram[f.MIME]++
		if len(names) < ChildSampleSize {
			names = append(names, filepath.Base(f.Path))
		}
	}
	sort.Strings(names)
	return names, histogram
}

// surveyFolder runs the Rules Engine's FolderHint survey (spec §4.1's
// folder-hint API) over a folder's immediate files and feeds the result
// into the AI stage's prompt as extra signal alongside the folder-level
// rule hint.
func (c *Chain) surveyFolder(folderPath string) rules.FolderHint {
	return c.rules.SurveyFolder(c.immediateFiles(folderPath))
}

func (c *Chain) immediateFiles(folderPath string) []model.FileRecord {
	files, err := c.store.FilesUnderPrefix(folderPath)
	if err != nil {
		return nil
	}
	out := files[:0:0]
	for _, f := range files {
		if filepath.Dir(f.Path) == folderPath {
			out = append(out, f)
		}
	}
	return out
}

// classifyFiles classifies every immediate file child of folder once the
// folder's own action is committed.
func (c *Chain) classifyFiles(ctx context.Context, folder model.FolderRecord) error {
	for _, f := range c.immediateFiles(folder.Path) {
		classified := c.classifyFile(ctx, f, folder)
		if err := c.store.PutFile(ctx, classified); err != nil {
			return err
		}
	}
	return nil
}

// classifyFile implements spec §4.6's per-file rule: under a keep folder
// the file inherits the folder's category without any rule evaluation;
// otherwise a finalizing rule wins; otherwise, under a disaggregate
// parent, the file goes through AI for category refinement; otherwise it
// inherits its containing folder's classification.
func (c *Chain) classifyFile(ctx context.Context, file model.FileRecord, folder model.FolderRecord) model.FileRecord {
	if folder.Action == model.ActionKeep {
		file.Class = model.Classification{Category: folder.Category, Source: model.SourceInherited}
		return file
	}

	rule, captures, ok := c.rules.Match(file.Path, file.MIME)
	if ok && rule.Mode == model.ModeFinal {
		category, err := rules.ResolveCategory(rule.CategoryTemplate, captures)
		if err == nil {
			file.Class = model.Classification{Category: category, Source: model.SourceRuleFinal}
			return file
		}
	}

	if folder.Action == model.ActionDisaggregate {
		if c.cfg.AIEnabled && c.ai != nil {
			var hint string
			if ok {
				hint = rule.CategoryTemplate
			}
			decision, err := c.ai.ClassifyFile(ctx, aiclient.FileQuery{
				FilePath:   file.Path,
				MIME:       file.MIME,
				FolderPath: folder.Path,
				RuleHint:   hint,
			})
			if err == nil && decision.Category != "" {
				file.Class = model.Classification{Category: decision.Category, Source: model.SourceAI, Confidence: decision.Confidence}
				return file
			}
		}
		file.Class = model.Classification{Category: defaultFileCategory, Source: model.SourceDefault}
		return file
	}

	file.Class = model.Classification{Category: folder.Category, Source: model.SourceInherited}
	return file
}

// defaultFileCategory is where a disaggregated file with no matching rule
// and no usable AI refinement lands, per spec §4.1's "result is None,
// caller applies default".
const defaultFileCategory = "Other/Unsorted"
