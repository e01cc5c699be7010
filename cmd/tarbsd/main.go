package main

import (
	"log/slog"
	"os"

	"github.com/tarbsd/builder/cmd/tarbsd/commands"
	"github.com/tarbsd/builder/internal/logging"
)

func main() {
	// replaced in PersistentPreRunE once flags are parsed
	slog.SetDefault(logging.NewCLI(os.Stderr, slog.LevelWarn))

	commands.Execute()
}
