// dispatch-playground runs the playground scenarios against a Dispatcher
// configured from flags or a YAML file.
//
// Usage:
//
//	dispatch-playground list
//	dispatch-playground run [--config-file FILE] [scenario...]
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
