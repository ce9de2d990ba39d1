package color_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jvs-project/jvb/pkg/color"
	"github.com/jvs-project/jvb/pkg/model"
)

func TestDisabledPassesThrough(t *testing.T) {
	orig := color.Enabled()
	t.Cleanup(func() {
		if orig {
			color.Enable()
		} else {
			color.Disable()
		}
	})

	color.Disable()
	assert.False(t, color.Enabled())
	assert.Equal(t, "ok", color.Success("ok"))
	assert.Equal(t, "failed", color.Status(model.RunFailed))
	assert.Equal(t, "abc", color.SnapshotID("abc"))
}

func TestEnabledWrapsInEscapes(t *testing.T) {
	orig := color.Enabled()
	t.Cleanup(func() {
		if orig {
			color.Enable()
		} else {
			color.Disable()
		}
	})

	color.Enable()
	for _, s := range []string{
		color.Success("x"),
		color.Error("x"),
		color.Warning("x"),
		color.Status(model.RunInterrupted),
	} {
		assert.Contains(t, s, "\x1b[")
	}
}
