package sandbox

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/corraldb/corral/pkg/errors"
)

const (
	loginPrefix     = "sandbox"
	databasePrefix  = "SandboxDB"
	timestampLayout = "20060102_150405"
	passwordLength  = 16
	maxUserPartLen  = 32
)

const (
	passwordUpper   = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	passwordLower   = "abcdefghijkmnpqrstuvwxyz"
	passwordDigits  = "23456789"
	passwordSymbols = "!#$%^&*-_=+"
)

// sanitizeUser reduces an external user identifier to characters that are safe
// inside a SQL Server identifier. Anything else becomes an underscore.
func sanitizeUser(userID string) string {
	var b strings.Builder
	for _, r := range userID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= maxUserPartLen {
			break
		}
	}
	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}

func loginName(userID string, now time.Time) string {
	return fmt.Sprintf("%s_%s_%s", loginPrefix, sanitizeUser(userID), now.Format(timestampLayout))
}

func databaseName(userID string, now time.Time) string {
	return fmt.Sprintf("%s_%s_%s", databasePrefix, sanitizeUser(userID), now.Format(timestampLayout))
}

// generatePassword produces a 16-character password drawing at least one
// character from each of the four classes, satisfying server complexity policy
// regardless of CHECK_POLICY.
func generatePassword() (string, error) {
	classes := []string{passwordUpper, passwordLower, passwordDigits, passwordSymbols}
	all := strings.Join(classes, "")

	chars := make([]byte, 0, passwordLength)
	for _, class := range classes {
		c, err := randomChar(class)
		if err != nil {
			return "", err
		}
		chars = append(chars, c)
	}
	for len(chars) < passwordLength {
		c, err := randomChar(all)
		if err != nil {
			return "", err
		}
		chars = append(chars, c)
	}

	// Fisher-Yates so the class-guaranteed characters are not positional.
	for i := len(chars) - 1; i > 0; i-- {
		j, err := randomIndex(i + 1)
		if err != nil {
			return "", err
		}
		chars[i], chars[j] = chars[j], chars[i]
	}
	return string(chars), nil
}

func randomChar(alphabet string) (byte, error) {
	i, err := randomIndex(len(alphabet))
	if err != nil {
		return 0, err
	}
	return alphabet[i], nil
}

func randomIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeInternal, "failed to generate random credential")
	}
	return int(v.Int64()), nil
}

// quoteIdent brackets a SQL Server identifier.
func quoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// quoteString produces an N'...' literal.
func quoteString(s string) string {
	return "N'" + strings.ReplaceAll(s, "'", "''") + "'"
}
