// udpsas-probe diagnoses source-address selection on multihomed hosts.
package main

import "github.com/dantte-lp/udpsas/cmd/udpsas-probe/commands"

func main() {
	commands.Execute()
}
