// Command ordefy runs the Shopify webhook receiver, the queue worker and
// their maintenance tasks.
package main

import "github.com/ordefy/ordefy/pkg/cli"

func main() {
	cli.Execute(cli.NewRootCommand(cli.Options{
		Name:        "ordefy",
		Description: "Shopify webhook ingestion and processing for Ordefy",
	}))
}
