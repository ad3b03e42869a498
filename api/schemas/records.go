package schemas

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// -- Corpus Schemas --

// BugRecord is one mined bug-fix instance. It is produced by the corpus miner
// and consumed read-only by the orchestrator; the pipeline never mutates it.
type BugRecord struct {
	// Repository is the canonical identifier, e.g. "psf/requests".
	Repository string `json:"repository"`
	// FixCommit is the hash of the human bug-fixing commit.
	FixCommit string `json:"fix_commit"`
	// ParentCommit is the pre-fix commit hash (first parent of FixCommit).
	ParentCommit string `json:"parent_commit"`
	// IssueID and IssueText carry the linked issue context, when the miner found one.
	IssueID   string `json:"issue_id,omitempty"`
	IssueText string `json:"issue_text,omitempty"`
	// CommitMessage is the fix commit's message, kept for the ledger.
	CommitMessage string `json:"commit_message,omitempty"`
	// TouchedFiles lists the paths the fix commit modified.
	TouchedFiles []string `json:"touched_files"`
}

// ID returns the stable identifier used to key pipeline state and ledger rows.
func (b BugRecord) ID() string {
	return fmt.Sprintf("%s@%s", b.Repository, shortHash(b.FixCommit))
}

// Validate checks the fields the pipeline cannot run without.
func (b BugRecord) Validate() error {
	if b.Repository == "" {
		return fmt.Errorf("bug record missing repository")
	}
	if b.FixCommit == "" || b.ParentCommit == "" {
		return fmt.Errorf("bug record %s missing commit pair", b.Repository)
	}
	return nil
}

func shortHash(h string) string {
	if len(h) > 10 {
		return h[:10]
	}
	return h
}

// -- Fix Source Schemas --

// FixSource tags where a candidate patch came from: the real human fix commit,
// or an LLM response. LLM sources embed the model name, e.g. "llm:gemini-2.5-flash".
type FixSource string

// FixSourceHuman is the fix extracted from the real bug-fixing commit.
const FixSourceHuman FixSource = "human"

// LLMFixSource builds the fix-source tag for a model-generated patch.
func LLMFixSource(model string) FixSource {
	return FixSource("llm:" + model)
}

// IsLLM reports whether the source is a model-generated patch.
func (s FixSource) IsLLM() bool { return strings.HasPrefix(string(s), "llm:") }

// Model returns the model name for an LLM fix source, or "" for human fixes.
func (s FixSource) Model() string {
	if !s.IsLLM() {
		return ""
	}
	return strings.TrimPrefix(string(s), "llm:")
}

// LLMMetadata carries the response accounting the LLM client observed while
// generating a patch. Present only when the fix source is llm:*.
type LLMMetadata struct {
	Provider         string        `json:"provider,omitempty"`
	Model            string        `json:"model,omitempty"`
	ResponseLatency  time.Duration `json:"response_latency,omitempty"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	TotalTokens      int           `json:"total_tokens,omitempty"`
}

// PatchCandidate is a proposed fix for one BugRecord. It is immutable and
// externally supplied; the diff is treated as untrusted input that may be
// malformed in whole or in part.
type PatchCandidate struct {
	Source FixSource `json:"source"`
	// Diff is the unified diff to apply onto the pre-fix working copy.
	Diff string    `json:"diff"`
	Bug  BugRecord `json:"bug"`
	// LLM is populated only when Source.IsLLM().
	LLM *LLMMetadata `json:"llm,omitempty"`
}

// -- Snapshot Schemas --

// Snapshot is a materialized source tree at one commit. Snapshots are cached
// keyed by (repository, commit) and never mutated after creation; patches are
// applied to a disposable copy, never to the snapshot itself.
type Snapshot struct {
	Repository string `json:"repository"`
	Commit     string `json:"commit"`
	// Path is the filesystem location of the materialized tree.
	Path string `json:"path"`
	// ContentHash identifies the tree contents, used for cache validation.
	// Two snapshots of the same commit always carry the same hash.
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// -- Environment Schemas --

// EnvironmentStatus tracks an environment's install lifecycle.
type EnvironmentStatus string

const (
	EnvPending EnvironmentStatus = "pending"
	EnvReady   EnvironmentStatus = "ready"
	EnvFailed  EnvironmentStatus = "failed"
)

// Manifest is the dependency declaration in effect at one commit: the set of
// files (pyproject.toml, lockfiles, requirements) that determine which package
// versions the project needs.
type Manifest struct {
	// Files maps manifest-relative path to raw content, e.g.
	// "requirements.txt" -> its bytes at the snapshot's commit.
	Files map[string]string `json:"files"`
	// TestCommand is the project's declared test invocation, e.g. "python -m pytest".
	TestCommand string `json:"test_command"`
	// SourcePath is the snapshot tree the manifest was collected from.
	// Install steps that need the project sources run against it. Not part
	// of the manifest hash: two snapshots with identical manifest files
	// share an environment regardless of where they sit on disk.
	SourcePath string `json:"-"`
}

// Hash returns the canonical content hash of the manifest. Identical manifests
// always hash identically regardless of map iteration order, which is what
// makes environment reuse across commits sound.
func (m Manifest) Hash() string {
	h := sha256.New()
	for _, name := range sortedKeys(m.Files) {
		fmt.Fprintf(h, "%s\x00%s\x00", name, m.Files[name])
	}
	fmt.Fprintf(h, "cmd\x00%s", m.TestCommand)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Environment is an isolated, dependency-installed runtime bound to one
// manifest hash. It is owned exclusively by the environment manager; callers
// borrow a reference for the duration of a run and must not mutate it.
type Environment struct {
	Repository   string            `json:"repository"`
	ManifestHash string            `json:"manifest_hash"`
	Status       EnvironmentStatus `json:"status"`
	// Path is the root of the environment (venv lives at Path/venv).
	Path string `json:"path"`
	// PythonBin is the interpreter inside the environment's venv.
	PythonBin string `json:"python_bin"`
	// InstallLog is the captured installer output, kept for failure reporting.
	InstallLog string `json:"install_log,omitempty"`
	// Warnings records resolution ambiguity (missing pins, extras fallback).
	// Partial dependency success may still let some tests run, so these are
	// attached rather than escalated to a failure.
	Warnings  []string  `json:"warnings,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
