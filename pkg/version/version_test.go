package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFull(t *testing.T) {
	full := Full()
	require.True(t, strings.HasPrefix(full, "colony/"), "got %q", full)

	rev := strings.TrimPrefix(full, "colony/")
	assert.NotEmpty(t, rev)
	assert.LessOrEqual(t, len(rev), 8)
}
