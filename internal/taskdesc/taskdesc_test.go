package taskdesc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidDescriptor(t *testing.T) {
	d, err := Parse([]byte(`
title: add /health endpoint
description: expose a liveness probe
repo_setup:
  - name: api
    test_cmd: make test
  - name: web
acceptance_criteria:
  - kind: file_exists
    path: internal/health/handler.go
  - kind: grep_match
    path: internal/health/handler.go
    pattern: "func Health"
  - kind: tests_pass
  - kind: command_succeeds
    command: curl -sf localhost:8080/health
timeout_seconds: 900
tags: [backend, probes]
`))
	require.NoError(t, err)
	assert.Equal(t, "add /health endpoint", d.Title)
	assert.Equal(t, []string{"api", "web"}, d.Repos())
	assert.Len(t, d.AcceptanceCriteria, 4)
	assert.Equal(t, 900, d.TimeoutSeconds)
}

func TestParseRejectsUnknownCriterionKind(t *testing.T) {
	_, err := Parse([]byte(`
title: something
acceptance_criteria:
  - kind: vibes_check
`))
	require.ErrorIs(t, err, ErrInvalidDescriptor)
	assert.Contains(t, err.Error(), "vibes_check")
}

func TestParseRejectsMissingTitle(t *testing.T) {
	_, err := Parse([]byte(`description: no title here`))
	require.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestParseRejectsIncompleteCriteria(t *testing.T) {
	cases := map[string]string{
		"file_exists without path": `
title: t
acceptance_criteria:
  - kind: file_exists
`,
		"grep_match without pattern": `
title: t
acceptance_criteria:
  - kind: grep_match
    path: main.go
`,
		"command_succeeds without command": `
title: t
acceptance_criteria:
  - kind: command_succeeds
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.ErrorIs(t, err, ErrInvalidDescriptor)
		})
	}
}

func TestParseRejectsDuplicateRepos(t *testing.T) {
	_, err := Parse([]byte(`
title: t
repo_setup:
  - name: api
  - name: api
`))
	require.ErrorIs(t, err, ErrInvalidDescriptor)
}
