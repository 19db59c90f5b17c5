// Command dwmmcsim drives a modeled DW MMC host controller from the command
// line.
package main

import "github.com/sarchlab/dwmmc/dwmmcsim/cmd"

func main() {
	cmd.Execute()
}
