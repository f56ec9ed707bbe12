package fetch

import (
	"bufio"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const maxLineLength = 1024 * 1024

var (
	filenameMatcher = regexp.MustCompile(`^\[[\w-]+\]\s+Destination:\s+(.+)$`)
	progressMatcher = regexp.MustCompile(`^\[[\w-]+\]\s+(\d+)(?:\.\d+)?%`)
)

type (
	// ProgressHandler receives an integer percentage (0..100) each
	// time the fetch tool reports progress.
	ProgressHandler func(percentage int)

	// FilenameHandler receives the base name of the artifact being written.
	// It is called at most once per fetch.
	FilenameHandler func(filename string)
)

// ParseFilename extracts the artifact base name from a
// "[tag] Destination: <path>" line.
func ParseFilename(line string) (string, bool) {
	groups := filenameMatcher.FindStringSubmatch(strings.TrimSpace(line))
	if groups == nil {
		return "", false
	}

	name := filepath.Base(strings.TrimSpace(groups[1]))
	if name == "." || name == string(filepath.Separator) {
		return "", false
	}

	return name, true
}

// ParseProgress extracts the integer part of a "[tag]   NN.N%" progress line.
// Values which do not fit in 0..100 are rejected.
func ParseProgress(line string) (int, bool) {
	groups := progressMatcher.FindStringSubmatch(strings.TrimSpace(line))
	if groups == nil {
		return 0, false
	}

	percentage, err := strconv.Atoi(groups[1])
	if err != nil || percentage > 100 {
		return 0, false
	}

	return percentage, true
}

// scanOutput classifies each line read from r. Until the first filename
// is found every line is tested as a destination line, after which only
// progress lines are considered. The reader is always drained, even if
// a line exceeds the scanner's limit.
func scanOutput(r io.Reader, onProgress ProgressHandler, onFilename FilenameHandler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)

	filenameFound := false
	for scanner.Scan() {
		line := scanner.Text()
		if !filenameFound {
			if name, ok := ParseFilename(line); ok {
				filenameFound = true
				if onFilename != nil {
					onFilename(name)
				}
				continue
			}
		}

		if percentage, ok := ParseProgress(line); ok && onProgress != nil {
			onProgress(percentage)
		}
	}

	if err := scanner.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
		return err
	}

	return nil
}
