package log

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, GetLogger(ctx), L)
	assert.Equal(t, G(ctx), GetLogger(ctx))

	ctx = WithLogger(ctx, G(ctx).WithField("table", 254))
	assert.Equal(t, 254, GetLogger(ctx).Data["table"])
	assert.Equal(t, G(ctx), GetLogger(ctx))
}

func TestModuleContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetModulePath(ctx))

	ctx = WithModule(ctx, "export")
	assert.Equal(t, "export", GetModulePath(ctx))
	assert.Equal(t, "export", GetLogger(ctx).Data["module"])

	parent, ctx := ctx, WithModule(ctx, "export")
	assert.Equal(t, ctx, parent)

	ctx = WithModule(ctx, "bpfmap")
	assert.Equal(t, "export/bpfmap", GetModulePath(ctx))
	assert.Equal(t, "export/bpfmap", GetLogger(ctx).Data["module"])
}

func TestSetLevel(t *testing.T) {
	prev := logrus.GetLevel()
	defer logrus.SetLevel(prev)

	require.NoError(t, SetLevel("debug"))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.Error(t, SetLevel("chatty"))
}
