package repair

import (
	"errors"
	"flag"
	"io"
)

const Usage = "usage: repair <keyword> | --all | --scan [--concurrency N] [--config PATH]"

var ErrUsage = errors.New(Usage)

// Args are the parsed command line of the repair tool.
type Args struct {
	Options
	All        bool
	ConfigPath string
}

// ParseArgs parses the command line (excluding the program name). Flags may
// appear before or after the keyword. Exactly one of a keyword, --all or
// --scan must be given.
func ParseArgs(args []string) (*Args, error) {
	parsed := &Args{}

	fs := flag.NewFlagSet("repair", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.BoolVar(&parsed.All, "all", false, "repair every video in the catalog")
	fs.BoolVar(&parsed.Scan, "scan", false, "report problems without modifying anything")
	fs.IntVar(&parsed.Concurrency, "concurrency", 2, "number of videos processed at once")
	fs.StringVar(&parsed.ConfigPath, "config", "", "path to the YAML configuration file")

	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, errors.Join(ErrUsage, err)
		}
		if fs.NArg() == 0 {
			break
		}

		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}

	if len(positional) > 1 {
		return nil, ErrUsage
	}
	if len(positional) == 1 {
		parsed.Keyword = positional[0]
	}

	modes := 0
	for _, set := range []bool{parsed.Keyword != "", parsed.All, parsed.Scan} {
		if set {
			modes++
		}
	}
	if modes != 1 || parsed.Concurrency < 1 {
		return nil, ErrUsage
	}

	return parsed, nil
}
