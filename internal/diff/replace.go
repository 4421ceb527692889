package diff

import (
	"fmt"
	"strings"
)

// Replace performs a search/replace on file content to derive the proposed
// new content for a pending diff.
//
// Matching passes (tried in order):
//  1. Exact line-by-line match
//  2. Trailing whitespace trimmed
//  3. All whitespace trimmed
//  4. Raw substring match
//
// If replaceAll is false, oldString must match exactly once.
func Replace(content, oldString, newString string, replaceAll bool) (string, error) {
	if oldString == newString {
		return "", fmt.Errorf("old_string and new_string are identical (no-op)")
	}

	lines := SplitLines(content)
	oldLines := SplitLines(oldString)
	if len(oldLines) == 0 {
		return "", fmt.Errorf("old_string is empty")
	}

	var positions []int
	for _, eq := range []func(string, string) bool{
		func(a, b string) bool { return a == b },
		func(a, b string) bool { return strings.TrimRight(a, " \t\r") == strings.TrimRight(b, " \t\r") },
		func(a, b string) bool { return strings.TrimSpace(a) == strings.TrimSpace(b) },
	} {
		positions = findConsecutive(lines, oldLines, eq)
		if len(positions) > 0 {
			break
		}
	}

	if len(positions) == 0 {
		return replaceSubstring(content, oldString, newString, replaceAll)
	}
	if !replaceAll && len(positions) > 1 {
		return "", fmt.Errorf("old_string not unique (%d matches at lines %s)",
			len(positions), formatLineNumbers(positions))
	}

	newLines := SplitLines(newString)
	if !replaceAll {
		positions = positions[:1]
	}

	// Splice bottom-to-top to preserve line numbers.
	for i := len(positions) - 1; i >= 0; i-- {
		pos := positions[i]
		spliced := make([]string, 0, len(lines)-len(oldLines)+len(newLines))
		spliced = append(spliced, lines[:pos]...)
		spliced = append(spliced, newLines...)
		spliced = append(spliced, lines[pos+len(oldLines):]...)
		lines = spliced
	}

	return JoinLines(lines), nil
}

// replaceSubstring does a raw substring match/replace, the last-resort
// fallback when all line-based passes fail.
func replaceSubstring(content, oldString, newString string, replaceAll bool) (string, error) {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	normalizedOld := strings.ReplaceAll(oldString, "\r\n", "\n")
	normalizedNew := strings.ReplaceAll(newString, "\r\n", "\n")

	idx := strings.Index(normalized, normalizedOld)
	if idx < 0 {
		return "", fmt.Errorf("old_string not found in file")
	}

	if replaceAll {
		return strings.ReplaceAll(normalized, normalizedOld, normalizedNew), nil
	}

	if idx != strings.LastIndex(normalized, normalizedOld) {
		return "", fmt.Errorf("old_string not unique (multiple substring matches)")
	}
	return normalized[:idx] + normalizedNew + normalized[idx+len(normalizedOld):], nil
}

// findConsecutive finds all positions where the anchor lines match
// consecutively in the file, using the given comparison function.
func findConsecutive(lines, anchor []string, eq func(string, string) bool) []int {
	var matches []int
	limit := len(lines) - len(anchor) + 1
	for i := 0; i < limit; i++ {
		found := true
		for j, a := range anchor {
			if !eq(lines[i+j], a) {
				found = false
				break
			}
		}
		if found {
			matches = append(matches, i)
		}
	}
	return matches
}

func formatLineNumbers(positions []int) string {
	parts := make([]string, len(positions))
	for i, p := range positions {
		parts[i] = fmt.Sprintf("%d", p+1) // 1-indexed for user display
	}
	return strings.Join(parts, ", ")
}

// SplitLines splits file content into lines. Handles both LF and CRLF.
// A trailing newline does not produce an extra empty line.
func SplitLines(content string) []string {
	if content == "" {
		return nil
	}
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.TrimSuffix(content, "\n")
	return strings.Split(content, "\n")
}

// JoinLines joins lines back into file content with a trailing newline.
func JoinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
