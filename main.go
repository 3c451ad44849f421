package main

import "github.com/Jasonzhangf/route-claudecode-sub009/cmd"

func main() {
	cmd.Execute()
}
