package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	prevV, prevSHA := Version, GitSHA
	defer func() { Version, GitSHA = prevV, prevSHA }()

	Version, GitSHA = "1.2.0", "abc123"
	assert.Contains(t, String(), "fallwatch 1.2.0 (abc123")
}
