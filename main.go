package main

import "github.com/fkupper/culprit/cmd"

func main() {
	cmd.Execute()
}
