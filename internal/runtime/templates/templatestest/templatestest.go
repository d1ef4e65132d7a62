// Package templatestest provides in-memory template trees for tests.
package templatestest

import (
	"path"
	"strings"
	"testing/fstest"

	"github.com/drblury/stmtflow/internal/runtime/templates"
)

// MonthlyManifest declares the fields MonthlyMarkup consumes.
const MonthlyManifest = `description: Monthly account statement
fields:
  - statement_id
  - statement_date
  - customer_info.name
  - totals.opening
  - totals.closing
  - metadata.currency
  - transactions.date
  - transactions.description
  - transactions.amount
  - transactions.running_balance
`

// MonthlyMarkup is a complete statement layout.
const MonthlyMarkup = `# Statement {{.statement_id}}
{{.customer_info.name}}
Statement date: {{date .statement_date "long"}}
---
## Summary
|Opening balance|{{money .totals.opening .metadata.currency}}
|Closing balance|{{money .totals.closing .metadata.currency}}
---
## Transactions
|Date|Description|Amount|Balance
{{range .transactions}}|{{date .date "short"}}|{{.description}}|{{amount .amount}}|{{amount .running_balance}}
{{end}}`

// Tree maps "name@version" to a manifest and markup pair.
type Tree map[string][2]string

// FS builds a MapFS laid out the way FSSource expects.
func FS(tree Tree) fstest.MapFS {
	fsys := fstest.MapFS{}
	for id, files := range tree {
		name, version, _ := strings.Cut(id, "@")
		dir := path.Join(name, version)
		fsys[path.Join(dir, templates.ManifestFile)] = &fstest.MapFile{Data: []byte(files[0])}
		fsys[path.Join(dir, templates.MarkupFile)] = &fstest.MapFile{Data: []byte(files[1])}
	}
	return fsys
}

// Monthly returns a tree holding the monthly layout at each version.
func Monthly(versions ...string) Tree {
	tree := Tree{}
	for _, v := range versions {
		tree["monthly@"+v] = [2]string{MonthlyManifest, MonthlyMarkup}
	}
	return tree
}
