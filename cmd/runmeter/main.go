// Package main is the entry point for RunMeter.
package main

func main() {
	Execute()
}
