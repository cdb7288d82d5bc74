// Package skill handles the code side of an execution request: fetching the
// bytes a skill_url points at, fingerprinting them, and parsing the declared
// metadata preamble that tells the broker what the code needs.
package skill

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBadMetadata is returned when the leading comment block is missing a
// required field or carries a malformed value.
var ErrBadMetadata = errors.New("bad skill metadata")

// DefaultTimeoutSecs applies when the preamble declares no @timeout.
const DefaultTimeoutSecs = 30

// Metadata is the declared contract of a skill, parsed from the comment
// preamble at the top of its code.
type Metadata struct {
	// Name is the logical skill name (@skill). Required.
	Name string
	// Description is the optional human-readable summary (@description).
	Description string
	// Secrets are the declared secret names (@secrets, one per line), in
	// declaration order.
	Secrets []string
	// Network is the declared host allow-list (@network, one per line).
	// Empty means the skill gets no network.
	Network []string
	// TimeoutSecs is the declared wall-clock limit (@timeout), defaulting
	// to DefaultTimeoutSecs.
	TimeoutSecs int
}

// ParseMetadata extracts the metadata preamble from code bytes.
//
// The preamble is the leading comment block: consecutive `#` or `//` comment
// lines (a shebang and blank lines are tolerated) before the first line of
// code. Within it, lines of the form `@<key> <value>` are recognized;
// unknown keys are ignored. A missing @skill makes the code unrunnable.
func ParseMetadata(code []byte) (*Metadata, error) {
	meta := &Metadata{TimeoutSecs: DefaultTimeoutSecs}

	scanner := bufio.NewScanner(bytes.NewReader(code))
	first := true
preamble:
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if first && strings.HasPrefix(line, "#!") {
			first = false
			continue
		}
		first = false

		if line == "" {
			continue
		}

		var body string
		switch {
		case strings.HasPrefix(line, "#"):
			body = strings.TrimSpace(strings.TrimLeft(line, "#"))
		case strings.HasPrefix(line, "//"):
			body = strings.TrimSpace(strings.TrimLeft(line, "/"))
		default:
			// First code line ends the preamble.
			break preamble
		}

		if !strings.HasPrefix(body, "@") {
			continue
		}

		key, value, _ := strings.Cut(body[1:], " ")
		value = strings.TrimSpace(value)

		switch key {
		case "skill":
			meta.Name = value
		case "description":
			meta.Description = value
		case "secrets":
			if value != "" {
				meta.Secrets = append(meta.Secrets, value)
			}
		case "network":
			if value != "" {
				meta.Network = append(meta.Network, value)
			}
		case "timeout":
			secs, err := strconv.Atoi(value)
			if err != nil || secs <= 0 {
				return nil, fmt.Errorf("%w: @timeout %q is not a positive integer", ErrBadMetadata, value)
			}
			meta.TimeoutSecs = secs
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan code: %w", err)
	}

	if meta.Name == "" {
		return nil, fmt.Errorf("%w: missing @skill", ErrBadMetadata)
	}

	return meta, nil
}
