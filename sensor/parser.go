// Package sensor turns raw text sensor dumps into discharges the
// orchestrator can fan out to prediction nodes. One file becomes one
// Signal; all files in a call share a single discharge time axis.
package sensor

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"github.com/nevindra/voltaic"
)

// File is one named text file to parse: whitespace-separated "<time>
// <value>" pairs, one per line. Blank and comment lines are not permitted.
type File struct {
	Name    string
	Content []byte
}

// Result is the outcome of parsing a set of files into one discharge.
// Warnings records non-fatal axis-drift findings; the discharge is still
// returned when warnings are present — only a malformed line is fatal.
type Result struct {
	Discharge voltaic.Discharge
	Warnings  []string
}

// Parse converts files into a single discharge identified by dischargeID.
// The first file's times become the discharge's shared time axis. A
// malformed line in any file fails the whole call with a *voltaic.Error of
// CodeParse naming the file and line. Axis drift across files (different
// length, or a differing value at an equal index) only produces a warning —
// the data is still accepted since downstream nodes may choose to reject it
// themselves.
func Parse(files []File, dischargeID string) (Result, error) {
	if len(files) == 0 {
		return Result{}, voltaicParseErr("no sensor files supplied")
	}

	res := Result{Discharge: voltaic.Discharge{ID: dischargeID}}

	for i, f := range files {
		times, values, err := parseFile(f)
		if err != nil {
			return Result{}, err
		}

		if i == 0 {
			res.Discharge.Times = times
			res.Discharge.Length = len(times)
		} else {
			res.Warnings = append(res.Warnings, compareAxis(files[0].Name, f.Name, res.Discharge.Times, times)...)
		}

		res.Discharge.Signals = append(res.Discharge.Signals, voltaic.Signal{
			FileName: f.Name,
			Values:   values,
		})
	}

	return res, nil
}

// compareAxis reports warnings (never errors) when file b's time axis drifts
// from the discharge's shared axis established by file a.
func compareAxis(aName, bName string, axis, times []float64) []string {
	var warnings []string
	if len(times) != len(axis) {
		warnings = append(warnings, fmt.Sprintf(
			"sensor: %q has %d samples, discharge axis from %q has %d; proceeding with mismatched length",
			bName, len(times), aName, len(axis)))
	}
	n := len(times)
	if len(axis) < n {
		n = len(axis)
	}
	for i := 0; i < n; i++ {
		if times[i] != axis[i] {
			warnings = append(warnings, fmt.Sprintf(
				"sensor: %q diverges from discharge time axis at index %d (%.9g != %.9g)",
				bName, i, times[i], axis[i]))
			break
		}
	}
	return warnings
}

// parseFile reads one file's "<time> <value>" lines into parallel slices.
func parseFile(f File) (times, values []float64, err error) {
	content, decErr := normalizeEncoding(f.Content)
	if decErr != nil {
		return nil, nil, voltaicParseErr("file %q: %v", f.Name, decErr)
	}

	scanner := bufio.NewScanner(bytes.NewReader(content))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			return nil, nil, voltaicParseErr("file %q: line %d: blank lines are not permitted", f.Name, lineNo)
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, nil, voltaicParseErr("file %q: line %d: expected \"<time> <value>\", got %q", f.Name, lineNo, line)
		}

		t, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, nil, voltaicParseErr("file %q: line %d: invalid time %q", f.Name, lineNo, fields[0])
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, nil, voltaicParseErr("file %q: line %d: invalid value %q", f.Name, lineNo, fields[1])
		}

		times = append(times, t)
		values = append(values, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, voltaicParseErr("file %q: %v", f.Name, err)
	}

	return times, values, nil
}

// normalizeEncoding strips a UTF-8 BOM outright, and transcodes UTF-16
// (LE/BE) sensor dumps — identified by their BOM — to UTF-8 before the line
// scanner ever sees them. Plain ASCII/UTF-8 content, the overwhelming common
// case, returns unchanged with no extra allocation.
func normalizeEncoding(content []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(content, []byte{0xEF, 0xBB, 0xBF}):
		return content[3:], nil
	case bytes.HasPrefix(content, []byte{0xFF, 0xFE}) || bytes.HasPrefix(content, []byte{0xFE, 0xFF}):
		dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
		out, err := dec.Bytes(content)
		if err != nil {
			return nil, fmt.Errorf("decode UTF-16: %w", err)
		}
		return out, nil
	default:
		return content, nil
	}
}

func voltaicParseErr(format string, args ...any) error {
	return &voltaic.Error{Code: voltaic.CodeParse, Message: fmt.Sprintf(format, args...)}
}
