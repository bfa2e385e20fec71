package main

import "github.com/stephnangue/turnstile/cmd"

func main() {
	cmd.Execute()
}
