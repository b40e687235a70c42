// Package main provides the entry point for the netdiag CLI.
package main

import "os"

func main() {
	os.Exit(Execute())
}
