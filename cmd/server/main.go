package main

import "github.com/eleven-am/call-relay/internal/bootstrap"

func main() {
	bootstrap.Run()
}
