/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package main

import (
	"github.com/ssargent/featurestream/cmd/fstream/cmd"
)

func main() {
	cmd.Execute()
}
