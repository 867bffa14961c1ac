package recovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prism/pkg/model"
)

func TestClassifyDefaultRules(t *testing.T) {
	c, err := NewClassifier(DefaultRules())
	require.NoError(t, err)

	cases := []struct {
		msg  string
		want model.ErrorCategory
	}{
		{"job timed out after 15m0s", model.ErrCatTimeout},
		{"context deadline exceeded", model.ErrCatTimeout},
		{"CUDA out of memory. Tried to allocate 2.5 GiB", model.ErrCatResourceExhausted},
		{"container oom-killed", model.ErrCatResourceExhausted},
		{"no space left on device", model.ErrCatResourceExhausted},
		{"dial tcp 10.0.0.4:8188: connection refused", model.ErrCatTransient},
		{"read: connection reset by peer", model.ErrCatTransient},
		{"write: broken pipe", model.ErrCatTransient},
		{"invalid prompt: empty string", model.ErrCatValidation},
		{"unsupported codec h265", model.ErrCatValidation},
		{"model checkpoint not found", model.ErrCatPermanent},
		{"pull access denied: unauthorized", model.ErrCatPermanent},
		{"segmentation fault (core dumped)", model.ErrCatUnknown},
		{"", model.ErrCatUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, c.Classify(tc.msg), "message: %q", tc.msg)
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	// "connection refused ... timed out" style messages hit whichever rule is
	// listed first. Timeouts precede transients in the default table.
	c, err := NewClassifier(DefaultRules())
	require.NoError(t, err)
	assert.Equal(t, model.ErrCatTimeout, c.Classify("request timed out: connection refused"))
}

func TestNewClassifierRejectsBadPattern(t *testing.T) {
	_, err := NewClassifier([]Rule{{Pattern: `([`, Category: model.ErrCatTransient}})
	assert.Error(t, err)
}

func TestLoadRulesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	data := `
- pattern: "(?i)quota exceeded"
  category: resource_exhausted
- pattern: "(?i)flaky"
  category: transient
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	c, err := NewClassifier(rules)
	require.NoError(t, err)
	assert.Equal(t, model.ErrCatResourceExhausted, c.Classify("GPU quota exceeded"))
	assert.Equal(t, model.ErrCatTransient, c.Classify("flaky upstream"))
	assert.Equal(t, model.ErrCatUnknown, c.Classify("timed out"), "file rules replace the defaults")
}

func TestLoadRulesEmptyPathYieldsDefaults(t *testing.T) {
	rules, err := LoadRules("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRules(), rules)
}
