// Package main provides the convert CLI, the client side of the WAV stream
// converter.
//
// Usage:
//
//	convert run [flags] FILE      stream FILE to the server and save or play the result
//	convert inspect FILE          print the WAV header of FILE
//	convert version               print the version
package main

import (
	"fmt"
	"os"

	"github.com/skypro1111/wav-stream-converter/cmd/convert/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
