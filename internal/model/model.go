// Package model defines the durable records the curator pipeline produces
// and consumes: FileRecord, FolderRecord, Rule, DuplicateGroup, and
// PlanEntry. Records are created by the Scanner, enriched by the Probe and
// Hasher, classified by the Classifier Chain, and read-only thereafter.
package model

import "time"

// FolderAction is the decision a folder carries through the rest of the
// pipeline.
type FolderAction string

const (
	ActionKeep         FolderAction = "keep"
	ActionKeepExcept   FolderAction = "keep_except"
	ActionDisaggregate FolderAction = "disaggregate"
	ActionUnknown      FolderAction = "unknown"
)

// DecisionSource tags which stage produced a classification.
type DecisionSource string

const (
	SourceRuleFinal  DecisionSource = "rule-final"
	SourceRuleHintAI DecisionSource = "rule-hint-ai"
	SourceAI         DecisionSource = "ai"
	SourceInherited  DecisionSource = "inherited"
	SourceDefault    DecisionSource = "default"
)

// RuleMode controls whether a rule's decision is authoritative or a hint
// passed to the AI classifier.
type RuleMode string

const (
	ModeFinal RuleMode = "final"
	ModeAI    RuleMode = "ai"
)

// Classification captures the outcome of running the classifier chain
// against a file or folder: a category path, the stage that decided it, and
// an optional confidence score reported by the AI classifier.
type Classification struct {
	Category   string
	Source     DecisionSource
	Confidence float64
}

// FileRecord describes one regular file discovered by the Scanner.
type FileRecord struct {
	RunID      string
	Path       string // absolute POSIX path, normalized
	Size       int64
	ModTime    time.Time
	MIME       string
	ContentSHA string // lazily populated by the Hasher
	Metadata   map[string]string
	Class      Classification
}

// FolderRecord describes one directory discovered by the Scanner.
type FolderRecord struct {
	RunID        string
	Path         string // absolute POSIX path, normalized, no trailing slash except root
	Depth        int
	Parent       string
	ModTime      time.Time
	FileCount    int
	SubfolderCnt int
	AggregateSHA string // order-independent hash over sorted child hashes
	Action       FolderAction
	Source       DecisionSource
	Category     string
	Metadata     map[string]string
	Classified   bool
}

// Rule is one ordered line of the rules file, compiled and immutable after
// load.
type Rule struct {
	Index            int
	PathRegex        string // source text, for diagnostics
	MIMEGlob         string
	CategoryTemplate string
	FolderAction     FolderAction
	Mode             RuleMode
}

// DuplicateGroup is a set of records (all files, or all folders) sharing an
// aggregate content hash.
type DuplicateGroup struct {
	Hash          string
	Canonical     string // lowest path, then shortest, among members
	Members       []string
	IsFolderGroup bool
}

// PlanEntryKind distinguishes the operation a PlanEntry represents.
type PlanEntryKind string

const (
	KindPlace         PlanEntryKind = "place"
	KindSkipDuplicate PlanEntryKind = "skip-duplicate"
	KindKeepUnit      PlanEntryKind = "keep-unit"
)

// PlanEntry maps one source path to its target location in the
// reorganization plan.
type PlanEntry struct {
	RunID      string
	Source     string
	Target     string
	Kind       PlanEntryKind
	DecidedBy  DecisionSource
	DuplicateOf string // set when Kind == KindSkipDuplicate
}

// ReservedCaptureNames are rule capture-group names with defined semantics
// in the Rules Engine and Planner, per the rules-file contract.
var ReservedCaptureNames = map[string]bool{
	"category":     true,
	"subcategory":  true,
	"backup_job":   true,
	"backup_year":  true,
	"backup_month": true,
	"backup_time":  true,
}
