// poppobuilderd is the PoppoBuilder work-dispatch daemon. All behavior
// lives in internal/cli; this binary only hands off to it.
package main

import "github.com/poppobuilder/dispatchd/internal/cli"

func main() {
	cli.Execute()
}
