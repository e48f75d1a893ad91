// Package classifier provides lexical SQL statement classification.
//
// Classification is best-effort security triage, not a parser: a statement is
// judged by its leading keyword after comments are stripped, and affected
// object extraction may come back empty without that being an error.
package classifier

import (
	"regexp"
	"strings"

	"github.com/corraldb/corral/pkg/models"
)

// destructiveKeywords are operations capable of irreversible data loss.
// They require explicit confirmation before the router executes them.
var destructiveKeywords = map[string]bool{
	"DROP":     true,
	"TRUNCATE": true,
	"DELETE":   true,
	"ALTER":    true,
	"UPDATE":   true,
	// Stored procedure execution can do anything the login can; treat it as
	// destructive rather than guessing at the procedure body.
	"EXEC":    true,
	"EXECUTE": true,
}

// writeKeywords are statements that modify server state without being
// classified destructive. They still invalidate cached results.
var writeKeywords = map[string]bool{
	"CREATE":  true,
	"GRANT":   true,
	"REVOKE":  true,
	"INSERT":  true,
	"MERGE":   true,
	"REPLACE": true,
	"DENY":    true,
	"USE":     true,
	"SET":     true,
}

// kindByKeyword maps leading keywords to operation kinds.
var kindByKeyword = map[string]models.OperationKind{
	"SELECT":   models.OpSelect,
	"WITH":     models.OpSelect,
	"INSERT":   models.OpInsert,
	"UPDATE":   models.OpUpdate,
	"DELETE":   models.OpDelete,
	"CREATE":   models.OpDDL,
	"DROP":     models.OpDDL,
	"ALTER":    models.OpDDL,
	"TRUNCATE": models.OpDDL,
}

// nonCacheableMarkers flag statements whose results change between runs.
var nonCacheableMarkers = []string{
	"GETDATE()", "SYSDATETIME()", "NEWID()", "RAND(", "@@",
}

// Classifier performs lexical classification of SQL statements.
type Classifier struct {
	leadingKeyword *regexp.Regexp
	objectPatterns []*regexp.Regexp
	bracketedIdent *regexp.Regexp
	batchSeparator *regexp.Regexp
}

// New creates a statement classifier with compiled patterns.
func New() *Classifier {
	return &Classifier{
		leadingKeyword: regexp.MustCompile(`^\s*([A-Za-z_]+)`),
		objectPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bFROM\s+(\[?[\w.]+\]?)`),
			regexp.MustCompile(`(?i)\bINTO\s+(\[?[\w.]+\]?)`),
			regexp.MustCompile(`(?i)\bJOIN\s+(\[?[\w.]+\]?)`),
			regexp.MustCompile(`(?i)\bUPDATE\s+(\[?[\w.]+\]?)`),
			regexp.MustCompile(`(?i)\bTABLE\s+(\[?[\w.]+\]?)`),
			regexp.MustCompile(`(?i)\bDATABASE\s+(\[?[\w.]+\]?)`),
			regexp.MustCompile(`(?i)\bTRUNCATE\s+TABLE\s+(\[?[\w.]+\]?)`),
		},
		bracketedIdent: regexp.MustCompile(`\[([^\[\]]+)\]`),
		batchSeparator: regexp.MustCompile(`(?im)^\s*GO\s*(\d+\s*)?$`),
	}
}

// Classify classifies a single SQL statement. Multi-statement input is
// classified by its first statement only; the router rejects batches before
// execution via HasMultipleStatements.
func (c *Classifier) Classify(sql string) models.ClassificationResult {
	stripped := stripLeadingComments(sql)
	keyword := ""
	if m := c.leadingKeyword.FindStringSubmatch(stripped); m != nil {
		keyword = strings.ToUpper(m[1])
	}

	result := models.ClassificationResult{
		Kind:      models.OpOther,
		Operation: keyword,
	}
	if kind, ok := kindByKeyword[keyword]; ok {
		result.Kind = kind
	}

	switch {
	case destructiveKeywords[keyword] || isProcedureCall(stripped):
		result.Destructive = true
		result.Write = true
	case writeKeywords[keyword]:
		result.Write = true
	}

	result.Cacheable = !result.Write && result.Kind == models.OpSelect && isDeterministic(stripped)
	result.AffectedObjects = c.extractObjects(stripped)
	return result
}

// HasMultipleStatements reports whether the input contains more than one
// statement, separated by semicolons or T-SQL GO lines. String literals and
// comments do not count; a single trailing semicolon is permitted.
func (c *Classifier) HasMultipleStatements(sql string) bool {
	if c.batchSeparator.MatchString(sql) {
		return true
	}
	parts := splitStatements(sql)
	return len(parts) > 1
}

// extractObjects scans for object names following common clauses. Failures
// never fail classification; a missing match simply yields fewer names.
func (c *Classifier) extractObjects(sql string) []string {
	var objects []string
	seen := make(map[string]bool)

	add := func(name string) {
		name = strings.Trim(name, "[]")
		if name == "" || seen[strings.ToUpper(name)] {
			return
		}
		seen[strings.ToUpper(name)] = true
		objects = append(objects, name)
	}

	for _, pattern := range c.objectPatterns {
		for _, m := range pattern.FindAllStringSubmatch(sql, -1) {
			if len(m) > 1 {
				add(m[1])
			}
		}
	}
	for _, m := range c.bracketedIdent.FindAllStringSubmatch(sql, -1) {
		if len(m) > 1 {
			add(m[1])
		}
	}
	return objects
}

// isProcedureCall detects stored procedure invocations that slip past the
// leading-keyword table, e.g. "sp_configure" or "xp_cmdshell" called bare.
func isProcedureCall(sql string) bool {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	return strings.HasPrefix(upper, "SP_") || strings.HasPrefix(upper, "XP_")
}

// isDeterministic reports whether a read's results are stable across runs.
func isDeterministic(sql string) bool {
	upper := strings.ToUpper(sql)
	for _, marker := range nonCacheableMarkers {
		if strings.Contains(upper, marker) {
			return false
		}
	}
	return true
}

// stripLeadingComments removes leading whitespace, line comments, and block
// comments so the first real token drives classification.
func stripLeadingComments(sql string) string {
	s := sql
	for {
		s = strings.TrimLeft(s, " \t\r\n")
		switch {
		case strings.HasPrefix(s, "--"):
			idx := strings.IndexByte(s, '\n')
			if idx < 0 {
				return ""
			}
			s = s[idx+1:]
		case strings.HasPrefix(s, "/*"):
			idx := strings.Index(s, "*/")
			if idx < 0 {
				return ""
			}
			s = s[idx+2:]
		default:
			return s
		}
	}
}

// splitStatements splits on semicolons that sit outside string literals,
// bracketed identifiers, and comments. Empty fragments are dropped.
func splitStatements(sql string) []string {
	var parts []string
	var current strings.Builder

	inString := false
	inBracket := false
	inLineComment := false
	inBlockComment := false

	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		next := rune(0)
		if i+1 < len(runes) {
			next = runes[i+1]
		}

		switch {
		case inLineComment:
			if ch == '\n' {
				inLineComment = false
			}
		case inBlockComment:
			if ch == '*' && next == '/' {
				inBlockComment = false
				current.WriteRune(next)
				i++
			}
		case inString:
			if ch == '\'' {
				// Doubled quote is an escaped quote, not a terminator.
				if next == '\'' {
					current.WriteRune(ch)
					i++
				} else {
					inString = false
				}
			}
		case inBracket:
			if ch == ']' {
				inBracket = false
			}
		case ch == '\'':
			inString = true
		case ch == '[':
			inBracket = true
		case ch == '-' && next == '-':
			inLineComment = true
		case ch == '/' && next == '*':
			inBlockComment = true
			current.WriteRune(ch)
			i++
			ch = next
		case ch == ';':
			if frag := strings.TrimSpace(current.String()); frag != "" {
				parts = append(parts, frag)
			}
			current.Reset()
			continue
		}
		current.WriteRune(ch)
	}
	if frag := strings.TrimSpace(current.String()); frag != "" {
		parts = append(parts, frag)
	}
	return parts
}
