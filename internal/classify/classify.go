// Package classify maps any failure surfaced by the pipeline into one
// of two kinds -- Retriable or Terminal -- so that the Retry Executor,
// Circuit Breaker and DLQ can make a single, total decision about it.
package classify

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// Kind is the classification outcome. It is total: every error gets one.
type Kind int

const (
	// Retriable errors are expected to clear up on their own (a
	// transient network blip, a throttled call) and should go through
	// the Retry Executor.
	Retriable Kind = iota
	// Terminal errors will never succeed no matter how many times the
	// same operation is retried (bad input, a closed circuit, a
	// cancelled context) and must be routed to the DLQ.
	Terminal
)

func (k Kind) String() string {
	if k == Retriable {
		return "Retriable"
	}
	return "Terminal"
}

// Category names the known error subtypes a Classified error can carry.
// These match the connector's documented error categories one-for-one.
type Category string

const (
	CategoryMalformedMessage   Category = "MalformedMessage"
	CategorySchemaValidation   Category = "SchemaValidation"
	CategoryConfiguration      Category = "Configuration"
	CategoryConnectionRefused  Category = "ConnectionRefused"
	CategorySocketTimeout      Category = "SocketTimeout"
	CategoryDNSFailure         Category = "DNSFailure"
	CategoryIO                Category = "IO"
	CategoryHTTP               Category = "HTTP"
	CategoryServiceUnavailable Category = "ServiceUnavailable"
	CategoryThrottling         Category = "Throttling"
	CategoryConcurrentModify   Category = "ConcurrentModification"
	CategoryFileNotFound       Category = "TransientFileNotFound"
	CategoryCancelled          Category = "Cancelled"
	CategoryCircuitOpen        Category = "CircuitOpen"
	CategoryUnknown            Category = "Unknown"
)

// Error is the tagged sum Retriable{cause,ctx} | Terminal{cause,ctx}
// a single type carrying both the classification
// and the category that drove it, so downstream code pattern-matches
// on Kind without re-deriving it.
type Error struct {
	Kind     Kind
	Category Category
	Context  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Context == "" {
		return e.Kind.String() + "(" + string(e.Category) + "): " + e.Cause.Error()
	}
	return e.Kind.String() + "(" + string(e.Category) + ") " + e.Context + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an explicitly-tagged classified error. Components that
// already know the category (the parser rejecting malformed bytes, the
// validator rejecting a document) should construct one of these instead
// of relying on the heuristic fallback.
func New(kind Kind, category Category, context string, cause error) *Error {
	return &Error{Kind: kind, Category: category, Context: context, Cause: cause}
}

func Retriablef(category Category, context string, cause error) *Error {
	return New(Retriable, category, context, cause)
}

func Terminalf(category Category, context string, cause error) *Error {
	return New(Terminal, category, context, cause)
}

var retriableCategories = map[Category]bool{
	CategoryConnectionRefused:  true,
	CategorySocketTimeout:      true,
	CategoryDNSFailure:         true,
	CategoryIO:                 true,
	CategoryHTTP:               true,
	CategoryServiceUnavailable: true,
	CategoryThrottling:         true,
	CategoryConcurrentModify:   true,
	CategoryFileNotFound:       true,
}

var terminalCategories = map[Category]bool{
	CategorySchemaValidation: true,
	CategoryMalformedMessage: true,
	CategoryConfiguration:    true,
	CategoryCancelled:        true,
	CategoryCircuitOpen:      true,
}

var retriableSubstrings = []string{
	"timeout", "connection", "unavailable", "throttle", "rate limit", "too many requests",
}

// retriableHTTPStatus treats HTTP 408/429/500/502/503/504 as retriable.
var retriableHTTPStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Classify maps any error into {Retriable, Terminal} using, in order:
// (a) an explicit *Error tag already on the error chain; (b) known
// transient categories; (c) known terminal categories; (d) substring
// heuristics on the error message; (e) fail-closed to Terminal.
func Classify(err error) Kind {
	if err == nil {
		return Retriable
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Terminal
	}

	msg := strings.ToLower(err.Error())

	if status, ok := httpStatusFromMessage(msg); ok && retriableHTTPStatus[status] {
		return Retriable
	}

	// Category names are matched against the message's words, alone or
	// run together ("dns failure" -> "dnsfailure", "i/o" -> "io"), never
	// against a fragment inside an unrelated word.
	words := strings.FieldsFunc(msg, func(r rune) bool {
		return (r < 'a' || r > 'z') && (r < '0' || r > '9')
	})
	terms := make(map[string]bool)
	for i := range words {
		term := ""
		for j := i; j < len(words) && j < i+4; j++ {
			term += words[j]
			terms[term] = true
		}
	}

	for cat := range retriableCategories {
		if terms[strings.ToLower(string(cat))] {
			return Retriable
		}
	}
	for cat := range terminalCategories {
		if terms[strings.ToLower(string(cat))] {
			return Terminal
		}
	}

	for _, sub := range retriableSubstrings {
		if strings.Contains(msg, sub) {
			return Retriable
		}
	}

	// fail-closed: anything we don't recognize is treated as a problem
	// that retrying blindly would not fix.
	return Terminal
}

// httpStatusFromMessage looks for a bare 3-digit HTTP status embedded
// in an error message, as many HTTP client libraries format it (e.g.
// "unexpected status code: 503").
func httpStatusFromMessage(msg string) (int, bool) {
	fields := strings.FieldsFunc(msg, func(r rune) bool {
		return r < '0' || r > '9'
	})
	for _, f := range fields {
		if len(f) != 3 {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		if n >= 100 && n < 600 {
			return n, true
		}
	}
	return 0, false
}

// CategoryFor returns the Category carried by err if it is a *Error,
// otherwise CategoryUnknown.
func CategoryFor(err error) Category {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Category
	}
	return CategoryUnknown
}
