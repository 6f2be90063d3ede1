package main

import "trustlance/cmd/postproject/cmd"

func main() {
	cmd.Execute()
}
