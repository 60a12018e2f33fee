package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"
)

func usage() {
	fmt.Println("usage: nnBlocks <command> [flags]")
	fmt.Println()
	fmt.Println("commands:")
	fmt.Println("  bench      time the attention variants (naive, fused, sdpa)")
	fmt.Println("  demo       run causal attention incrementally over a prompt")
	fmt.Println("  gradcheck  finite-difference spot checks of the backward passes")
	fmt.Println("  state      save/load round-trip of parameters and buffers")
}

func main() {
	rand.Seed(time.Now().UTC().UnixNano())

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "bench":
		err = runBench(os.Args[2:])
	case "demo":
		err = runDemo(os.Args[2:])
	case "gradcheck":
		err = runGradCheck()
	case "state":
		err = runStateDemo(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
