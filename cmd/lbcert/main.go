package main

import "github.com/caasmo/lbcert/cmd/lbcert/cmd"

func main() {
	cmd.Execute()
}
