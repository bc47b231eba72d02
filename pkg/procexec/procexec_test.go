package procexec

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfir-orc/collector/pkg/orcerr"
)

func TestRunCapturesStdout(t *testing.T) {
	r := NewRunner(logrus.NewEntry(logrus.New()))
	var out bytes.Buffer

	err := r.Run(context.Background(), Spec{
		Path:   "echo",
		Args:   []string{"hello"},
		Stdout: &out,
	})

	require.NoError(t, err)
	assert.Contains(t, out.String(), "hello")
}

func TestRunReportsTimeoutKind(t *testing.T) {
	r := NewRunner(logrus.NewEntry(logrus.New()))

	err := r.Run(context.Background(), Spec{
		Path:    "sleep",
		Args:    []string{"2"},
		Timeout: 10 * time.Millisecond,
	})

	require.Error(t, err)
	assert.Equal(t, orcerr.KindTimeout, orcerr.KindOf(err))
}

func TestArgvFromStringSplitsQuotedArguments(t *testing.T) {
	argv := ArgvFromString(`tool -name "hello world"`)
	assert.Equal(t, []string{"tool", "-name", "hello world"}, argv)
}
