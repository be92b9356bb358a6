package watchdog

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWorkLine(t *testing.T) {
	item := ParseWorkLine("/work/api\tacme/api\t42\thttps://github.com/acme/api/issues/42\tFix login\n/work/web\tacme/web\t7\thttps://x\ty\n")
	require.NotNil(t, item)
	assert.Equal(t, WorkItem{
		RepoDir:    "/work/api",
		GitHubRepo: "acme/api",
		Number:     "42",
		URL:        "https://github.com/acme/api/issues/42",
		Title:      "Fix login",
	}, *item)

	assert.Nil(t, ParseWorkLine(""))
	assert.Nil(t, ParseWorkLine("/work/api\tacme/api\t42\n"))
}

func TestCommandFinder(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx := context.Background()

	found := &CommandFinder{Command: []string{"sh", "-c", `printf '/work/api\tacme/api\t42\thttps://x/42\tFix login\n'`}}
	item, err := found.FindWork(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "https://x/42", item.URL)

	none := &CommandFinder{Command: []string{"sh", "-c", "exit 1"}}
	item, err = none.FindWork(ctx)
	require.NoError(t, err)
	assert.Nil(t, item)

	item, err = (&CommandFinder{}).FindWork(ctx)
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestCommandFinderRunsInDir(t *testing.T) {
	var gotDir, gotName string
	var gotArgs []string
	f := &CommandFinder{
		Command: []string{"bash", "scripts/next-issue.sh"},
		Dir:     "/srv/repo",
		Exec: func(_ context.Context, dir, name string, args ...string) ([]byte, error) {
			gotDir, gotName, gotArgs = dir, name, args
			return []byte("short line\n"), nil
		},
	}
	item, err := f.FindWork(context.Background())
	require.NoError(t, err)
	assert.Nil(t, item)
	assert.Equal(t, "/srv/repo", gotDir)
	assert.Equal(t, "bash", gotName)
	assert.Equal(t, []string{"scripts/next-issue.sh"}, gotArgs)
}
