// Package scan runs on-demand clamscan scans and interprets their output.
package scan

import (
	"regexp"
	"strings"

	"github.com/eliteGoblin/clamsentry/internal/domain"
)

// SummaryDelimiter separates per-file verdicts from the summary block.
const SummaryDelimiter = "----------- SCAN SUMMARY -----------"

// Phase is the parser position within scanner output.
type Phase int

const (
	PhaseItems Phase = iota
	PhaseSummary
)

// LineKind classifies one output line.
type LineKind int

const (
	LineBlank LineKind = iota
	LineDelimiter
	LineResult
	LineSummaryField
	LineDiagnostic
	LineUnrecognized
	LineAction // follow-up about a file already reported, such as "moved to '...'"
)

// ParsedLine is the interpretation of one output line. Only the fields matching Kind are set.
type ParsedLine struct {
	Kind   LineKind
	Result domain.ScanItemResult
	Key    string
	Value  string
	Text   string
}

// A path is anchored on a drive letter, a UNC prefix or a leading slash and ends at the first ": ".
// Windows names cannot contain ':', POSIX names can; see splitAtVerdict.
var resultLine = regexp.MustCompile(`^((?:[A-Za-z]:[\\/]|\\\\|/).*?):\s+(\S.*)$`)

// verdictStatus is a status clamscan prints after "<path>: ".
var verdictStatus = regexp.MustCompile(`(?i)^(?:OK|Empty file|Excluded|Symbolic link|.*\bFOUND|.*\bERROR|(?:moved|copied) to '.*'|Removed\.)$`)

// actionStatus follows a verdict when clamscan acted on the file.
var actionStatus = regexp.MustCompile(`^(?:(?:moved|copied) to '.*'|Removed\.)$`)

var diagnosticLine = regexp.MustCompile(`(?i)^(?:WARNING|ERROR|LibClamAV (?:Warning|Error))\b`)

var summaryFields = map[string]func(*domain.ScanSummary, string){
	"known viruses":       func(s *domain.ScanSummary, v string) { s.KnownViruses = v },
	"engine version":      func(s *domain.ScanSummary, v string) { s.EngineVersion = v },
	"scanned directories": func(s *domain.ScanSummary, v string) { s.ScannedDirectories = v },
	"scanned files":       func(s *domain.ScanSummary, v string) { s.ScannedFiles = v },
	"infected files":      func(s *domain.ScanSummary, v string) { s.InfectedFiles = v },
	"time":                func(s *domain.ScanSummary, v string) { s.TimeTaken = v },
}

// IsDelimiter reports whether line opens the summary block.
func IsDelimiter(line string) bool {
	return strings.Contains(strings.ToUpper(line), SummaryDelimiter)
}

// ParseItemLine interprets a line from the per-file section.
// Diagnostics are recognized before the last-colon fallback so "WARNING: x" is never read as a verdict.
func ParseItemLine(line string) ParsedLine {
	line = strings.TrimSpace(line)
	if line == "" {
		return ParsedLine{Kind: LineBlank}
	}

	if m := resultLine.FindStringSubmatch(line); m != nil {
		path, status := m[1], m[2]
		if strings.HasPrefix(path, "/") {
			path, status = splitAtVerdict(line, path, status)
		}
		return result(path, status)
	}

	if diagnosticLine.MatchString(line) {
		return ParsedLine{Kind: LineDiagnostic, Text: line}
	}

	if i := strings.LastIndex(line, ":"); i > 0 && i < len(line)-1 {
		path := strings.TrimSpace(line[:i])
		status := strings.TrimSpace(line[i+1:])
		if path != "" && status != "" {
			return result(path, status)
		}
	}
	return ParsedLine{Kind: LineUnrecognized, Text: line}
}

// splitAtVerdict moves the path/status boundary to the last ": " whose tail is a
// known verdict, so "/tmp/a: b.txt: X FOUND" keeps "/tmp/a: b.txt" as the path.
func splitAtVerdict(line, path, status string) (string, string) {
	for i := strings.LastIndex(line, ": "); i > len(path); i = strings.LastIndex(line[:i], ": ") {
		tail := strings.TrimSpace(line[i+2:])
		if verdictStatus.MatchString(tail) {
			return line[:i], tail
		}
	}
	return path, status
}

func result(path, status string) ParsedLine {
	path = strings.TrimSpace(path)
	status = strings.TrimSpace(status)
	r := domain.ScanItemResult{Path: path, Status: status}
	if actionStatus.MatchString(status) {
		return ParsedLine{Kind: LineAction, Result: r, Text: path + ": " + status}
	}
	if strings.HasSuffix(strings.ToUpper(status), "FOUND") {
		r.IsThreat = true
		r.ThreatName = strings.TrimSpace(status[:len(status)-len("FOUND")])
		if r.ThreatName == "" {
			r.ThreatName = "Unknown"
		}
	}
	return ParsedLine{Kind: LineResult, Result: r}
}

// ParseSummaryLine interprets a "Key: Value" line from the summary block.
func ParseSummaryLine(line string) ParsedLine {
	line = strings.TrimSpace(line)
	if line == "" {
		return ParsedLine{Kind: LineBlank}
	}
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return ParsedLine{Kind: LineUnrecognized, Text: line}
	}
	key = strings.TrimSpace(key)
	if _, known := summaryFields[strings.ToLower(key)]; !known {
		return ParsedLine{Kind: LineUnrecognized, Text: line}
	}
	return ParsedLine{Kind: LineSummaryField, Key: key, Value: strings.TrimSpace(value)}
}

// Parser is the two-phase output state machine. It is not safe for concurrent use.
type Parser struct {
	phase   Phase
	summary domain.ScanSummary
}

// NewParser returns a parser in the item phase.
func NewParser() *Parser {
	return &Parser{}
}

// Phase returns the current phase.
func (p *Parser) Phase() Phase { return p.phase }

// Summary returns the fields seen so far.
func (p *Parser) Summary() domain.ScanSummary { return p.summary }

// Feed interprets the next line and advances the phase on the delimiter.
func (p *Parser) Feed(line string) ParsedLine {
	if p.phase == PhaseItems && IsDelimiter(line) {
		p.phase = PhaseSummary
		return ParsedLine{Kind: LineDelimiter}
	}
	if p.phase == PhaseItems {
		return ParseItemLine(line)
	}

	if trimmed := strings.TrimSpace(line); diagnosticLine.MatchString(trimmed) {
		return ParsedLine{Kind: LineDiagnostic, Text: trimmed}
	}
	parsed := ParseSummaryLine(line)
	if parsed.Kind == LineSummaryField {
		summaryFields[strings.ToLower(parsed.Key)](&p.summary, parsed.Value)
	}
	return parsed
}
