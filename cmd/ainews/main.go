package main

import (
	"os"

	"github.com/hpharmsen/ainews/cmd/handlers"
)

func main() {
	os.Exit(handlers.Execute())
}
