/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "turnrelay/cmd"

func main() {
	cmd.Execute()
}
