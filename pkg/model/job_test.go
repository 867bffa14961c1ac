package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintNormalizesInputOrder(t *testing.T) {
	a := Fingerprint("tpl-1", map[string]string{"prompt": "a cat", "seed": "42"})
	b := Fingerprint("tpl-1", map[string]string{"seed": "42", "prompt": "a cat"})
	assert.Equal(t, a, b, "key order must not change the hash")
}

func TestFingerprintDistinguishes(t *testing.T) {
	base := Fingerprint("tpl-1", map[string]string{"prompt": "a cat"})

	assert.NotEqual(t, base, Fingerprint("tpl-2", map[string]string{"prompt": "a cat"}))
	assert.NotEqual(t, base, Fingerprint("tpl-1", map[string]string{"prompt": "a dog"}))
	assert.NotEqual(t, base, Fingerprint("tpl-1", nil))

	// Key/value boundaries are unambiguous: {"ab": "c"} vs {"a": "bc"}.
	assert.NotEqual(t,
		Fingerprint("t", map[string]string{"ab": "c"}),
		Fingerprint("t", map[string]string{"a": "bc"}))
}

func TestJobStatusTerminal(t *testing.T) {
	for status, terminal := range map[JobStatus]bool{
		JobQueued:       false,
		JobReserved:     false,
		JobRunning:      false,
		JobFailed:       false, // recovery may still requeue it
		JobRetrying:     false,
		JobCancelling:   false, // worker has not confirmed exit yet
		JobSucceeded:    true,
		JobCancelled:    true,
		JobDeadLettered: true,
	} {
		assert.Equal(t, terminal, status.Terminal(), "status %s", status)
	}
}

func TestCloneIsDeep(t *testing.T) {
	j := &Job{ID: "j1"}
	j.Spec.Image = "img"
	j.Spec.Command = []string{"run"}
	j.Spec.Inputs = map[string]string{"k": "v"}

	c := j.Clone()
	c.Spec.Inputs["k"] = "changed"
	c.Spec.Command[0] = "other"

	assert.Equal(t, "v", j.Spec.Inputs["k"])
	assert.Equal(t, "run", j.Spec.Command[0])
}
