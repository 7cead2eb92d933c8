package main

import (
	"github.com/treksavvysky/orcaops/cmd/orcaops-admin/commands"
	_ "github.com/treksavvysky/orcaops/cmd/orcaops-admin/commands/jobs"
	_ "github.com/treksavvysky/orcaops/cmd/orcaops-admin/commands/reconcile"
	_ "github.com/treksavvysky/orcaops/cmd/orcaops-admin/commands/workflows"
)

func main() {
	commands.Execute()
}
