// chiseldb-logdump prints a human-readable listing of a ChiselDB
// write-ahead log file. It reads the file directly and never modifies it,
// so it is safe to run against a live database.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chiseldb/chiseldb/core/wal"
)

func main() {
	logPath := flag.String("log", "", "path to the write-ahead log file")
	flag.Parse()

	path := *logPath
	if path == "" && flag.NArg() == 1 {
		path = flag.Arg(0)
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "usage: chiseldb-logdump [-log] <wal-file>")
		os.Exit(2)
	}

	if err := wal.DumpFile(path, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "chiseldb-logdump: %v\n", err)
		os.Exit(1)
	}
}
