// Command tutorchat is the terminal client for the tutor chat.
package main

import (
	"github.com/ashureev/tutor-chat/internal/cli"
	"github.com/joho/godotenv"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// A missing .env is normal; settings then come from the environment.
	_ = godotenv.Load()
	cli.Execute(cli.BuildInfo{Version: version, Commit: commit})
}
