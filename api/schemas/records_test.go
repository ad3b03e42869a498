package schemas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestHash_Deterministic(t *testing.T) {
	m1 := Manifest{
		Files:       map[string]string{"pyproject.toml": "abc", "poetry.lock": "def"},
		TestCommand: "python -m pytest",
	}
	m2 := Manifest{
		Files:       map[string]string{"poetry.lock": "def", "pyproject.toml": "abc"},
		TestCommand: "python -m pytest",
	}
	assert.Equal(t, m1.Hash(), m2.Hash(), "map ordering must not affect the hash")
	assert.Len(t, m1.Hash(), 16)
}

func TestManifestHash_SensitiveToContent(t *testing.T) {
	base := Manifest{Files: map[string]string{"requirements.txt": "v1"}, TestCommand: "pytest"}

	changedFile := Manifest{Files: map[string]string{"requirements.txt": "v2"}, TestCommand: "pytest"}
	assert.NotEqual(t, base.Hash(), changedFile.Hash())

	changedCommand := Manifest{Files: map[string]string{"requirements.txt": "v1"}, TestCommand: "tox"}
	assert.NotEqual(t, base.Hash(), changedCommand.Hash())
}

func TestManifestHash_IgnoresSourcePath(t *testing.T) {
	a := Manifest{Files: map[string]string{"setup.py": "x"}, TestCommand: "pytest", SourcePath: "/tmp/a"}
	b := Manifest{Files: map[string]string{"setup.py": "x"}, TestCommand: "pytest", SourcePath: "/tmp/b"}
	assert.Equal(t, a.Hash(), b.Hash(), "the snapshot location is not part of the environment identity")
}

func TestBugRecordID(t *testing.T) {
	bug := BugRecord{
		Repository: "psf/requests",
		FixCommit:  "0123456789abcdef0123456789abcdef01234567",
	}
	assert.Equal(t, "psf/requests@0123456789", bug.ID())
}

func TestBugRecordValidate(t *testing.T) {
	valid := BugRecord{
		Repository:   "psf/requests",
		FixCommit:    "aaaa",
		ParentCommit: "bbbb",
		TouchedFiles: []string{"requests/models.py"},
	}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*BugRecord)
	}{
		{"missing repository", func(b *BugRecord) { b.Repository = "" }},
		{"missing fix commit", func(b *BugRecord) { b.FixCommit = "" }},
		{"missing parent commit", func(b *BugRecord) { b.ParentCommit = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bug := valid
			tc.mutate(&bug)
			assert.Error(t, bug.Validate())
		})
	}
}

func TestFixSource(t *testing.T) {
	assert.False(t, FixSourceHuman.IsLLM())
	assert.Empty(t, FixSourceHuman.Model())

	llm := LLMFixSource("gemini-2.5-flash")
	assert.True(t, llm.IsLLM())
	assert.Equal(t, "gemini-2.5-flash", llm.Model())
	assert.Equal(t, FixSource("llm:gemini-2.5-flash"), llm)
}

func TestRunStateTerminal(t *testing.T) {
	terminal := []RunState{StateRecorded, StateSnapshotFailed, StateEnvFailed, StatePatchFailed, StateTestFailed}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), string(s))
	}
	active := []RunState{StatePending, StateSnapshotReady, StateEnvReady, StatePatched, StateTested}
	for _, s := range active {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestPatchResult(t *testing.T) {
	assert.False(t, PatchResult{}.Applied())

	partial := PatchResult{AppliedFiles: []string{"a.py"}, ConflictFiles: []string{"b.py"}}
	assert.True(t, partial.Applied())
	assert.True(t, partial.Partial())

	clean := PatchResult{AppliedFiles: []string{"a.py"}}
	assert.True(t, clean.Applied())
	assert.False(t, clean.Partial())
}

func TestTestVerdictPass(t *testing.T) {
	assert.True(t, TestVerdict{Passed: 10}.Pass())
	assert.False(t, TestVerdict{Passed: 10, Failed: 1}.Pass())
	assert.False(t, TestVerdict{Passed: 10, Errored: 1}.Pass())
	assert.False(t, TestVerdict{Passed: 10, TimedOut: true}.Pass())
}
