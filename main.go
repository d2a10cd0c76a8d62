package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) > 1 {
		cmd := os.Args[1]
		switch cmd {
		case "evaluate":
			if err := RunEvaluateCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "visualize":
			if err := RunVisualizeCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "benchmark":
			if err := RunBenchmarkCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "info":
			if err := RunInfoCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "help", "-h", "--help":
			printUsage()
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
			printUsage()
			os.Exit(1)
		}
	}

	printUsage()
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  selective-magno-vit [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  evaluate    Run inference over a paired magno/lines dataset")
	fmt.Println("  visualize   Render patch selection for one line drawing")
	fmt.Println("  benchmark   Time forward passes across patch percentages")
	fmt.Println("  info        Print the model configuration summary")
	fmt.Println("  help        Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  selective-magno-vit evaluate --config=configs/base.yaml")
	fmt.Println("  selective-magno-vit evaluate --magno-dir=data/magno --lines-dir=data/lines --batch=32")
	fmt.Println("  selective-magno-vit visualize --line=data/lines/cat/0001.png --out=viz/")
	fmt.Println("  selective-magno-vit benchmark --percentages=0.25,0.5,1.0")
	fmt.Println()
}
