package main

import (
	"fmt"

	"github.com/wca4a/clawdbot-tlon-plugin/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
