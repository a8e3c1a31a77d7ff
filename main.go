package main

import (
	"os"

	"github.com/TIGRLab/datman-sub001/command"
	"github.com/TIGRLab/datman-sub001/util"
)

// Filled in at build time via -ldflags.
var (
	Version   = "1.0.0"
	BuildHash = "unknown"
	BuildDate = "unknown"
)

func main() {
	util.VersionString = "datman version " + Version
	defer util.GracefulRecover("Please report this crash to the study's data management team.")

	if err := command.BuildCommand(Version, BuildHash, BuildDate).Execute(); err != nil {
		os.Exit(1)
	}
}
