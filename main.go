// sqlagent is a natural-language SQL agent: it spawns an MCP tool server
// as a child process, correlates JSON-RPC traffic over its stdio pipes,
// and turns freeform questions into tool calls against a database.
package main

import (
	"github.com/Kanishq-routerarchitects/sqlagent/cmd"
)

func main() {
	cmd.Execute()
}
