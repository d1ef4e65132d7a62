// Command stmtflow turns financial statement payloads into PDF statements.
//
//	stmtflow run --config stmtflow.yaml
//	stmtflow check testdata/statement.json --render out.pdf
//	stmtflow templates
//
// Settings come from the optional config file and STMTFLOW_* environment
// variables; a .env file in the working directory is loaded first.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// Variables already set in the environment are not overridden.
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
