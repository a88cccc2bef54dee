// crashme is a deliberately buggy demo target. Try the fuzzer on it:
//
//	fuzz -duration 30s -- crashme
//
// Most inputs exit cleanly, a few byte patterns misbehave in ways a fuzzer
// should find within seconds: inputs starting with '!' panic, inputs
// starting with "die" exit nonzero, and inputs starting with "sleep" hang
// until the run timeout trips.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

func check(data []byte) {
	if len(data) > 0 && data[0] == '!' {
		var empty []byte
		// Index out of range.
		fmt.Println(empty[len(data)])
	}
	if strings.HasPrefix(string(data), "die") {
		os.Exit(3)
	}
	if strings.HasPrefix(string(data), "sleep") {
		time.Sleep(1 * time.Hour)
	}
}

func main() {
	var data []byte
	var err error
	if len(os.Args) > 1 {
		data, err = os.ReadFile(os.Args[1])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "read input: %v\n", err)
		os.Exit(2)
	}
	check(data)
	fmt.Println("ok")
}
