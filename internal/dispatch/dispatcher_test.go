package dispatch_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/Kanishq-routerarchitects/sqlagent/internal/analyze"
	"github.com/Kanishq-routerarchitects/sqlagent/internal/dispatch"
	"github.com/Kanishq-routerarchitects/sqlagent/internal/protocol"
)

func catalog(names ...string) []protocol.Tool {
	tools := make([]protocol.Tool, 0, len(names))
	for _, n := range names {
		tools = append(tools, protocol.Tool{Name: n})
	}
	return tools
}

func TestPlanListTablesWithoutEntity(t *testing.T) {
	tools := catalog("list_tables", "read_data")

	// Absent a target entity, every verb falls back to listing tables.
	for _, verb := range []analyze.Verb{
		analyze.VerbSelect, analyze.VerbCount, analyze.VerbDescribe,
		analyze.VerbInsert, analyze.VerbUpdate, analyze.VerbDelete,
	} {
		inv, err := dispatch.Plan(analyze.Intent{Verb: verb}, tools)
		if err != nil {
			t.Fatalf("Plan(%s) error: %v", verb, err)
		}
		if inv.Tool != "list_tables" {
			t.Errorf("Plan(%s).Tool = %q, want list_tables", verb, inv.Tool)
		}
		if len(inv.Arguments) != 0 {
			t.Errorf("Plan(%s).Arguments = %v, want empty", verb, inv.Arguments)
		}
	}
}

func TestPlanToolNamePriority(t *testing.T) {
	// query_table outranks query in the candidate list even though both
	// are present.
	inv, err := dispatch.Plan(
		analyze.Intent{Verb: analyze.VerbSelect, Entities: []string{"orders"}},
		catalog("query", "query_table"),
	)
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}
	if inv.Tool != "query_table" {
		t.Errorf("Tool = %q, want query_table", inv.Tool)
	}
}

func TestPlanNoSuitableTool(t *testing.T) {
	// The dispatcher must never fabricate a call against an undiscovered
	// tool name.
	_, err := dispatch.Plan(
		analyze.Intent{Verb: analyze.VerbSelect, Entities: []string{"orders"}},
		catalog("list_tables"),
	)
	var noTool *dispatch.NoSuitableToolError
	if !errors.As(err, &noTool) {
		t.Fatalf("error = %v, want NoSuitableToolError", err)
	}
	if noTool.Capability != dispatch.CapabilityReadData {
		t.Errorf("Capability = %s, want read-data", noTool.Capability)
	}
}

func TestPlanNoSuitableToolEmptyCatalog(t *testing.T) {
	_, err := dispatch.Plan(analyze.Intent{Verb: analyze.VerbSelect}, nil)
	var noTool *dispatch.NoSuitableToolError
	if !errors.As(err, &noTool) {
		t.Fatalf("error = %v, want NoSuitableToolError", err)
	}
	if noTool.Capability != dispatch.CapabilityListTables {
		t.Errorf("Capability = %s, want list-tables", noTool.Capability)
	}
}

func TestPlanSelectCompilesConditions(t *testing.T) {
	inv, err := dispatch.Plan(analyze.Intent{
		Verb:     analyze.VerbSelect,
		Entities: []string{"orders"},
		Conditions: analyze.Conditions{
			Location: "california",
			Limit:    5,
		},
	}, catalog("read_data"))
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}

	query, _ := inv.Arguments["query"].(string)
	if !strings.Contains(query, "city LIKE '%california%' OR state LIKE '%california%'") {
		t.Errorf("query missing location pattern clause: %q", query)
	}
	if !strings.HasSuffix(query, "LIMIT 5") {
		t.Errorf("query missing row cap: %q", query)
	}
	if inv.Arguments["limit"] != 5 {
		t.Errorf("limit argument = %v, want 5", inv.Arguments["limit"])
	}
	where, _ := inv.Arguments["where_clause"].(string)
	if !strings.Contains(where, "city LIKE") {
		t.Errorf("where_clause = %q, want location pattern", where)
	}
}

func TestPlanCountWithStatus(t *testing.T) {
	inv, err := dispatch.Plan(analyze.Intent{
		Verb:       analyze.VerbCount,
		Entities:   []string{"support_tickets"},
		Conditions: analyze.Conditions{Status: "open?"},
	}, catalog("read_data"))
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}

	query, _ := inv.Arguments["query"].(string)
	if !strings.HasPrefix(query, "SELECT COUNT(*) AS total_count FROM support_tickets") {
		t.Errorf("query = %q, want count query", query)
	}
	if !strings.Contains(query, "status = 'open?'") {
		t.Errorf("query missing status equality clause: %q", query)
	}
	if _, ok := inv.Arguments["limit"]; ok {
		t.Error("count query should not carry a limit argument")
	}
}

func TestPlanConjoinsClauses(t *testing.T) {
	inv, err := dispatch.Plan(analyze.Intent{
		Verb:     analyze.VerbSelect,
		Entities: []string{"customers"},
		Conditions: analyze.Conditions{
			Location: "texas",
			Status:   "active",
		},
	}, catalog("read_data"))
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}

	where, _ := inv.Arguments["where_clause"].(string)
	want := "(city LIKE '%texas%' OR state LIKE '%texas%') AND status = 'active'"
	if where != want {
		t.Errorf("where_clause = %q, want %q", where, want)
	}
}

func TestPlanDescribe(t *testing.T) {
	inv, err := dispatch.Plan(analyze.Intent{
		Verb:     analyze.VerbDescribe,
		Entities: []string{"customers", "orders"},
	}, catalog("describe_table"))
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}
	if inv.Tool != "describe_table" {
		t.Errorf("Tool = %q, want describe_table", inv.Tool)
	}
	// The first entity is the primary target.
	if inv.Arguments["table_name"] != "customers" {
		t.Errorf("table_name = %v, want customers", inv.Arguments["table_name"])
	}
}
