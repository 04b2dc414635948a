package picodaq

import (
	"log"
	"os"
	"time"
)

// Portnumbers holds all TCP port numbers used by picodaq.
type Portnumbers struct {
	Status int
}

// Ports globally holds all TCP port numbers used by picodaq.
var Ports Portnumbers

func setPortnumbers(base int) {
	Ports.Status = base
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Date    string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.3.1",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// StartTime is a global holding the time init() was run
var StartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

func init() {
	setPortnumbers(5601)
	StartTime = time.Now()

	// The picodaq main program will override this, but at least initialize
	// with a sensible value
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
}
