// Command loadtest drives the chat server with simulated users.
//
//   - saturate: open N idle registered connections and hold them
//   - match:    pairs of users search with the same mood until paired
//   - chat:     full lifecycle: register, search, exchange messages, leave
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "match":
		runMatch(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test: opens N idle registered connections")
	fmt.Println("  match       Matching load test: pairs of users search until paired")
	fmt.Println("  chat        Full session lifecycle: search, exchange messages, leave")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
