package helpers

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var bucketUnsafe = regexp.MustCompile(`[^a-z0-9-]+`)

// TempDirWithWorkDirs creates a storage root containing an (empty)
// working directory for each of the request IDs provided.
func TempDirWithWorkDirs(t *testing.T, ids ...uuid.UUID) string {
	dirPath := t.TempDir()
	for _, id := range ids {
		require.NoError(t, os.Mkdir(filepath.Join(dirPath, id.String()), 0o755), "failed to create working directory in temporary dir")
	}

	return dirPath
}

// ScriptedTool writes an executable shell script with the given body
// to a temporary directory, returning its path. It stands in for the
// fetch tool.
func ScriptedTool(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "fake-fetch-tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755), "failed to write scripted tool")
	return path
}

func bucketName(t *testing.T) string {
	name := bucketUnsafe.ReplaceAllString(strings.ToLower(t.Name()), "-")
	if len(name) > 50 {
		name = name[:50]
	}

	return "test-" + strings.Trim(name, "-")
}
