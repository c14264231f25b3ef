package main

import "github.com/shiroyk/esmgraph/cmd"

func main() {
	cmd.Execute()
}
