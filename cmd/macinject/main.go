// Command macinject injects a dynamic library into a running process.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/apex/log/handlers/json"

	macinject "github.com/blacktop/go-inject"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "doctor" {
		doctor(os.Args[2:])
		return
	}

	var (
		pid     = flag.Int("pid", 0, "target process id")
		lib     = flag.String("lib", "", "path to the dynamic library to inject")
		verbose = flag.Bool("v", false, "raise log verbosity to debug")
		asJSON  = flag.Bool("json", false, "emit log lines as JSON instead of human-readable text")
	)
	flag.Parse()

	if *asJSON {
		log.SetHandler(json.New(os.Stderr))
	} else {
		log.SetHandler(cli.Default)
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	if *pid == 0 || *lib == "" {
		fmt.Fprintln(os.Stderr, "usage: macinject -pid <pid> -lib <path>")
		fmt.Fprintln(os.Stderr, "       macinject doctor")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := macinject.Inject(*pid, *lib); err != nil {
		log.WithError(err).Error("injection failed")
		os.Exit(1)
	}
}

func doctor(args []string) {
	log.SetHandler(cli.Default)
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	fs.Parse(args)

	ok := true

	if runtime.GOOS != "darwin" {
		log.WithField("GOOS", runtime.GOOS).Error("this tool only injects into Darwin processes")
		ok = false
	} else {
		log.Info("GOOS is darwin")
	}

	if rel, err := osrelease(); err != nil {
		log.WithError(err).Warn("could not read kern.osrelease")
	} else {
		log.WithField("kern.osrelease", rel).Info("kernel release")
	}

	if ncpu, err := ncpu(); err != nil {
		log.WithError(err).Warn("could not read hw.ncpu")
	} else {
		log.WithField("hw.ncpu", ncpu).Info("cpu count")
	}

	if !ok {
		os.Exit(1)
	}
	log.Info("host looks capable of injection")
}
