// Package validation checks request fields before they reach the escrow and
// wallet services. Handlers collect every problem with a Checker and answer
// 400 once, listing all of them.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/satsafe/escrowd/internal/apperr"
	"github.com/satsafe/escrowd/internal/btc"
)

const (
	// MaxBodyBytes caps JSON request bodies.
	MaxBodyBytes = 1 << 20

	// MaxPrincipalLength bounds principal and user identifiers.
	MaxPrincipalLength = 128
)

// Principals are opaque: JWT subjects, IC principals
// ("xxxxx-xxxxx-...-cai") and plain handles all pass.
var principalPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@-]*$`)

// IsPrincipal reports whether id is a well-formed principal.
func IsPrincipal(id string) bool {
	return len(id) <= MaxPrincipalLength && principalPattern.MatchString(id)
}

// Problem is one rejected field.
type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Problems is every rejected field of a request, in check order.
type Problems []Problem

func (p Problems) Error() string {
	parts := make([]string, len(p))
	for i, pr := range p {
		parts[i] = pr.Field + " " + pr.Message
	}
	return strings.Join(parts, "; ")
}

// Checker accumulates problems. The zero value is ready to use.
type Checker struct {
	problems Problems
}

func (c *Checker) fail(field, message string) *Checker {
	c.problems = append(c.problems, Problem{Field: field, Message: message})
	return c
}

// Principal requires a well-formed principal id.
func (c *Checker) Principal(field, v string) *Checker {
	switch {
	case v == "":
		return c.fail(field, "is required")
	case !IsPrincipal(v):
		return c.fail(field, "must be a valid principal id")
	}
	return c
}

// TxID requires 64 hex characters.
func (c *Checker) TxID(field, v string) *Checker {
	if btc.ValidTxID(v) != nil {
		return c.fail(field, "must be a 64-character hex transaction id")
	}
	return c
}

// MaxLen bounds a free-text field in bytes.
func (c *Checker) MaxLen(field, v string, n int) *Checker {
	if len(v) > n {
		return c.fail(field, "exceeds maximum length")
	}
	return c
}

// Problems returns what was collected so far.
func (c *Checker) Problems() Problems { return c.problems }

// Reject answers 400 with every problem and reports whether it did.
func (c *Checker) Reject(gc *gin.Context) bool {
	if len(c.problems) == 0 {
		return false
	}
	apperr.BadRequest(gc, c.problems.Error(), c.problems)
	return true
}

// Clean trims v, drops control characters and cuts it to max bytes without
// splitting a rune.
func Clean(v string, max int) string {
	v = strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, v))
	if len(v) <= max {
		return v
	}
	cut := 0
	for cut < len(v) {
		_, w := utf8.DecodeRuneInString(v[cut:])
		if cut+w > max {
			break
		}
		cut += w
	}
	return v[:cut]
}

// LimitBody caps request bodies at max bytes.
func LimitBody(max int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		c.Next()
	}
}

// PrincipalParam rejects requests whose named path parameter is not a
// well-formed principal.
func PrincipalParam(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param(name); !IsPrincipal(id) {
			apperr.BadRequest(c, name+" must be a valid principal id", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}
