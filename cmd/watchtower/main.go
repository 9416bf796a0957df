// Command watchtower is the file integrity monitor binary.
package main

import "github.com/tripwire/watchtower/internal/cli"

func main() {
	cli.Execute()
}
