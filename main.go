/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package main

import "github.com/iavault/iavault/cmd"

func main() {
	cmd.Execute()
}
