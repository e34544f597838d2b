package main

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/tinyrange/selfdump/internal/trace"
)

func format(e trace.Entry) string {
	if e.Kind == trace.KindWord {
		addr, value, err := trace.DecodeWord(e.Payload)
		if err != nil {
			return fmt.Sprintf("<bad word record: %v>", err)
		}
		return fmt.Sprintf("write %#016x <- %#016x", addr, value)
	}
	return string(e.Payload)
}

func run() error {
	list := flag.Bool("list", false, "list all sources in the trace")
	timeRange := flag.Bool("range", false, "print the earliest and latest timestamps")
	source := flag.String("source", "", "regex to filter sources")
	match := flag.String("match", "", "regex to filter messages")
	limit := flag.Int("limit", 100, "limit the number of entries (0 for unlimited)")
	tail := flag.Bool("tail", false, "show last N entries instead of first N")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `selftrace - inspect selfdump trace files

USAGE:
  selftrace [flags] <filename>

FLAGS:
  -list          List all unique source names in the trace, one per line
  -range         Show earliest/latest timestamps and total duration
  -source REGEX  Only show entries where source matches regex (Go regexp syntax)
  -match REGEX   Only show entries where the message matches regex
  -limit N       Max entries to return (default: 100). Errors if exceeded; use -tail or 0 for unlimited
  -tail          Show last N entries instead of first N (combine with -limit)

OUTPUT FORMAT:
  Each entry is printed as: TIMESTAMP [SOURCE] MESSAGE
  Pager table writes are printed as: write ADDRESS <- VALUE

EXAMPLES:
  selftrace trace.bin                        Show entries (errors if >100)
  selftrace -list trace.bin                  List all source names
  selftrace -source '^selfpager' trace.bin   Only redirect and restore records
  selftrace -tail -limit 20 trace.bin        Show the last 20 entries
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	reader, closer, err := trace.NewReaderFromFile(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	defer closer.Close()

	if *list {
		for _, src := range reader.Sources() {
			fmt.Println(src)
		}
		return nil
	}

	if *timeRange {
		earliest, latest := reader.TimeRange()
		fmt.Printf("earliest: %s\nlatest:   %s\nduration: %s\n", earliest, latest, latest.Sub(earliest))
		return nil
	}

	var sourceRe, matchRe *regexp.Regexp
	if *source != "" {
		sourceRe, err = regexp.Compile(*source)
		if err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
	}
	if *match != "" {
		matchRe, err = regexp.Compile(*match)
		if err != nil {
			return fmt.Errorf("invalid match regex: %w", err)
		}
	}

	type line struct {
		ts     time.Time
		source string
		text   string
	}
	var lines []line

	if err := reader.Each(func(e trace.Entry) error {
		if sourceRe != nil && !sourceRe.MatchString(e.Source) {
			return nil
		}
		text := format(e)
		if matchRe != nil && !matchRe.MatchString(text) {
			return nil
		}
		lines = append(lines, line{ts: e.Time, source: e.Source, text: text})
		return nil
	}); err != nil {
		return fmt.Errorf("read trace: %w", err)
	}

	// The default limit guards against accidentally dumping huge traces.
	explicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "limit" {
			explicit = true
		}
	})
	if *limit > 0 && len(lines) > *limit {
		switch {
		case *tail:
			lines = lines[len(lines)-*limit:]
		case explicit:
			lines = lines[:*limit]
		default:
			return fmt.Errorf("too many entries: %d (limit is %d). Use -tail for last %d, or explicitly set a limit using -limit", len(lines), *limit, *limit)
		}
	}

	for _, l := range lines {
		fmt.Printf("%s [%s] %s\n", l.ts.Format(time.RFC3339Nano), l.source, l.text)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "selftrace: %v\n", err)
		os.Exit(1)
	}
}
