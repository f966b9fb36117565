package main

import (
	"os"

	"go-air-download/cmd/air-downloader/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
