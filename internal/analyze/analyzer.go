// Package analyze turns a freeform user query into a structured intent:
// a verb, the target entities, and a set of filter conditions. The core
// path is a deterministic lexical heuristic over the lowercased input; an
// optional external classifier can be layered in front of it and is never
// required for correctness.
package analyze

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
)

// Verb is the classified purpose of a query.
type Verb string

const (
	VerbSelect   Verb = "SELECT"
	VerbCount    Verb = "COUNT"
	VerbInsert   Verb = "INSERT"
	VerbUpdate   Verb = "UPDATE"
	VerbDelete   Verb = "DELETE"
	VerbDescribe Verb = "DESCRIBE"
)

// Intent is the result of analyzing one query. It is immutable once
// produced and never persisted.
type Intent struct {
	Verb Verb
	// Entities are the matched entity names in table scan order, not
	// input order; the first one is the primary target.
	Entities   []string
	Conditions Conditions
}

// Conditions holds the extracted filter conditions. The zero value of a
// field means the condition is absent; there are no sentinel values
// beyond that. This mirrors the lexical scans, which never produce an
// empty location/status token or a zero limit.
type Conditions struct {
	// Location is the token following the first "from" or "in".
	Location string
	// Limit is the integer token following the first "top", "first", or
	// "limit". A non-numeric token leaves it at zero (absent).
	Limit int
	// Status is the token following the first "status" or "state".
	Status string
	// Where is a raw clause supplied by an external classifier; the
	// lexical path never fills it.
	Where string
}

// verbKeywords is scanned in order; the first matching set wins and the
// default is SELECT.
var verbKeywords = []struct {
	verb Verb
	keys []string
}{
	{VerbSelect, []string{"show", "list", "get", "find", "select", "display"}},
	{VerbCount, []string{"count", "how many", "total"}},
	{VerbInsert, []string{"create", "add", "insert"}},
	{VerbUpdate, []string{"update", "change", "modify"}},
	{VerbDelete, []string{"delete", "remove", "drop"}},
	{VerbDescribe, []string{"describe", "structure", "schema", "columns"}},
}

// entityTable maps known entities to their synonyms. Scan order is fixed
// and is the documented tie-break when a query matches several entities.
var entityTable = []struct {
	name     string
	synonyms []string
}{
	{"customers", []string{"customer", "client", "user"}},
	{"orders", []string{"order", "purchase", "sale"}},
	{"products", []string{"product", "item"}},
	{"employees", []string{"employee", "staff", "worker"}},
	{"payments", []string{"payment", "invoice", "billing"}},
	{"support_tickets", []string{"ticket", "issue", "support"}},
}

// Classify is the pure lexical analyzer. All matching is raw substring
// membership on the lowercased input: no word-boundary guards, and
// condition tokens keep trailing punctuation. That looseness is
// long-standing observable behavior, so changing it would change results
// for existing queries.
func Classify(input string) Intent {
	in := strings.ToLower(input)

	intent := Intent{Verb: VerbSelect}
	for _, vk := range verbKeywords {
		if containsAny(in, vk.keys) {
			intent.Verb = vk.verb
			break
		}
	}

	for _, e := range entityTable {
		if containsAny(in, e.synonyms) {
			intent.Entities = append(intent.Entities, e.name)
		}
	}

	intent.Conditions.Location = tokenAfter(in, "from", "in")
	if tok := tokenAfter(in, "top", "first", "limit"); tok != "" {
		if n, err := strconv.Atoi(tok); err == nil {
			intent.Conditions.Limit = n
		}
	}
	intent.Conditions.Status = statusToken(in)

	return intent
}

// statusVocab are status values recognized directly when the query names
// a status without the "status"/"state" marker words, as in "how many
// tickets are open?".
var statusVocab = []string{"open", "closed", "pending", "resolved", "active", "inactive"}

// statusToken extracts a status condition: the token after the first
// "status" or "state", or failing that the first token that starts with a
// known status value. Either way the token is taken raw, trailing
// punctuation included.
func statusToken(in string) string {
	if tok := tokenAfter(in, "status", "state"); tok != "" {
		return tok
	}
	for _, tok := range strings.Fields(in) {
		for _, v := range statusVocab {
			if strings.HasPrefix(tok, v) {
				return tok
			}
		}
	}
	return ""
}

func containsAny(in string, keys []string) bool {
	for _, k := range keys {
		if strings.Contains(in, k) {
			return true
		}
	}
	return false
}

// tokenAfter returns the first whitespace-delimited token following the
// first occurrence of any key, trying keys in the given order.
func tokenAfter(in string, keys ...string) string {
	for _, k := range keys {
		i := strings.Index(in, k)
		if i < 0 {
			continue
		}
		fields := strings.Fields(in[i+len(k):])
		if len(fields) == 0 {
			continue
		}
		return fields[0]
	}
	return ""
}

// Classifier is an optional external intent classifier. Implementations
// may call out to a remote model; errors are expected and non-fatal.
type Classifier interface {
	Classify(ctx context.Context, query string) (Intent, error)
}

// Analyzer runs the optional external classifier with the lexical path as
// an always-available fallback.
type Analyzer struct {
	classifier Classifier
	logger     *slog.Logger
}

// AnalyzerOption configures an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithClassifier layers an external classifier in front of the lexical
// path.
func WithClassifier(c Classifier) AnalyzerOption {
	return func(a *Analyzer) { a.classifier = c }
}

// WithLogger sets the analyzer's logger.
func WithLogger(logger *slog.Logger) AnalyzerOption {
	return func(a *Analyzer) { a.logger = logger }
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(options ...AnalyzerOption) *Analyzer {
	a := &Analyzer{logger: slog.Default()}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// Analyze classifies the query. If an external classifier is configured
// and succeeds its result wins; on any classifier error the deterministic
// lexical path answers instead, so the analyzer works with no external
// service at all.
func (a *Analyzer) Analyze(ctx context.Context, query string) Intent {
	if a.classifier != nil {
		intent, err := a.classifier.Classify(ctx, query)
		if err == nil {
			return intent
		}
		a.logger.Warn("external classifier failed, using lexical analysis", "err", err)
	}
	return Classify(query)
}
