// Command magicdb is an interactive shell for the magicdb catalog.
//
// Statements are read from the terminal, from piped input or from -e:
//
//	magicdb --backend etcd --endpoints 10.0.0.1:2379 -e 'show databases;'
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "magicdb:", err)
		os.Exit(1)
	}
}
