// Package dispatch maps an analyzed intent onto one concrete tool
// invocation. Abstract capabilities (list tables, describe a table, read
// data) each carry a prioritized list of acceptable tool names; the first
// name present in the discovered catalog wins, and a capability with no
// candidate present is a dispatch error, never a fabricated call.
package dispatch

import (
	"fmt"
	"strings"

	"github.com/Kanishq-routerarchitects/sqlagent/internal/analyze"
	"github.com/Kanishq-routerarchitects/sqlagent/internal/protocol"
)

// Capability is an abstract operation that may be satisfied by any of
// several concretely-named tools.
type Capability string

const (
	CapabilityListTables    Capability = "list-tables"
	CapabilityDescribeTable Capability = "describe-table"
	CapabilityReadData      Capability = "read-data"
)

// candidateNames lists, per capability, the tool names tried in priority
// order against the discovered catalog.
var candidateNames = map[Capability][]string{
	CapabilityListTables:    {"list_tables", "list_table", "show_tables", "get_tables"},
	CapabilityDescribeTable: {"describe_table", "table_schema", "show_columns", "get_schema"},
	CapabilityReadData:      {"read_data", "query_table", "select_data", "query"},
}

// NoSuitableToolError reports that no discovered tool satisfies the
// capability the intent requires. The caller may re-analyze or ask the
// user to rephrase; it must not invent a tool call.
type NoSuitableToolError struct {
	Capability Capability
}

func (e *NoSuitableToolError) Error() string {
	return fmt.Sprintf("no suitable tool for capability %q", e.Capability)
}

// Invocation is one concrete tool call: a name present in the catalog
// plus its argument map.
type Invocation struct {
	Capability Capability
	Tool       string
	Arguments  map[string]any
}

// Plan resolves an intent against the discovered catalog. Absent a target
// entity the plan falls back to listing tables regardless of the verb;
// that is a safety default, not an error.
func Plan(intent analyze.Intent, tools []protocol.Tool) (Invocation, error) {
	available := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		available[t.Name] = struct{}{}
	}

	if len(intent.Entities) == 0 {
		return listTables(available)
	}
	table := intent.Entities[0]

	switch intent.Verb {
	case analyze.VerbSelect:
		return readData(available, table, intent.Conditions, false)
	case analyze.VerbCount:
		return readData(available, table, intent.Conditions, true)
	case analyze.VerbDescribe:
		return describeTable(available, table)
	default:
		// Write verbs are not compiled into queries; surface the catalog
		// instead of guessing at a mutation.
		return listTables(available)
	}
}

func findTool(available map[string]struct{}, cap Capability) (string, error) {
	for _, name := range candidateNames[cap] {
		if _, ok := available[name]; ok {
			return name, nil
		}
	}
	return "", &NoSuitableToolError{Capability: cap}
}

func listTables(available map[string]struct{}) (Invocation, error) {
	name, err := findTool(available, CapabilityListTables)
	if err != nil {
		return Invocation{}, err
	}
	return Invocation{Capability: CapabilityListTables, Tool: name, Arguments: map[string]any{}}, nil
}

func describeTable(available map[string]struct{}, table string) (Invocation, error) {
	name, err := findTool(available, CapabilityDescribeTable)
	if err != nil {
		return Invocation{}, err
	}
	return Invocation{
		Capability: CapabilityDescribeTable,
		Tool:       name,
		Arguments:  map[string]any{"table_name": table},
	}, nil
}

// readData compiles the conditions into a SQL-shaped query string plus a
// structured where_clause argument: a location becomes a pattern match
// against the city/state columns, a status becomes an equality clause,
// multiple clauses are conjoined, and a limit caps the row count.
func readData(available map[string]struct{}, table string, cond analyze.Conditions, count bool) (Invocation, error) {
	name, err := findTool(available, CapabilityReadData)
	if err != nil {
		return Invocation{}, err
	}

	var query strings.Builder
	if count {
		fmt.Fprintf(&query, "SELECT COUNT(*) AS total_count FROM %s", table)
	} else {
		fmt.Fprintf(&query, "SELECT * FROM %s", table)
	}

	args := map[string]any{}

	var clauses []string
	if cond.Where != "" {
		clauses = append(clauses, cond.Where)
	}
	if cond.Location != "" {
		clauses = append(clauses,
			fmt.Sprintf("city LIKE '%%%s%%' OR state LIKE '%%%s%%'", cond.Location, cond.Location))
	}
	if cond.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status = '%s'", cond.Status))
	}
	if len(clauses) > 0 {
		where := clauses[0]
		for _, clause := range clauses[1:] {
			where = fmt.Sprintf("(%s) AND %s", where, clause)
		}
		query.WriteString(" WHERE " + where)
		args["where_clause"] = where
	}

	if !count && cond.Limit > 0 {
		fmt.Fprintf(&query, " LIMIT %d", cond.Limit)
		args["limit"] = cond.Limit
	}

	args["query"] = query.String()
	return Invocation{Capability: CapabilityReadData, Tool: name, Arguments: args}, nil
}
