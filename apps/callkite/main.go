package main

import (
	"github.com/callkitelabs/callkite-cloud/internal/cli"
)

func main() {
	cli.Execute()
}
