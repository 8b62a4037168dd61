package main

import "github.com/MauroDruwel/mimiclaw/cmd"

func main() {
	cmd.Execute()
}
