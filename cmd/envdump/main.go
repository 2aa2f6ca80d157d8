package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/pflag"
)

var (
	fNoCode = pflag.Bool("no-code", false, "skip disassembly")
)

func main() {
	pflag.Parse()

	if pflag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "usage: envdump [--no-code] image...\n")
		os.Exit(1)
	}

	for _, path := range pflag.Args() {
		if err := dump(path); err != nil {
			log.Fatal(err)
		}
	}
}
