package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"purplevm/pkg/ast"
	"purplevm/pkg/eval"
	"purplevm/pkg/parser"
)

var (
	evalExpr = flag.String("e", "", "Evaluate expression from command line")
	verbose  = flag.Bool("v", false, "Verbose output")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "purplevm - lazy-value evaluation core\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [file.purple]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -e '(force (delay (+ 1 2)))'  # Evaluate an expression\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s program.purple                # Evaluate a file\n", os.Args[0])
	}
	flag.Parse()

	var input string
	var err error

	if *evalExpr != "" {
		input = *evalExpr
	} else if flag.NArg() > 0 {
		filename := flag.Arg(0)
		data, err := os.ReadFile(filename)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading file: %v\n", err)
			os.Exit(1)
		}
		input = string(data)
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading stdin: %v\n", err)
			os.Exit(1)
		}
		input = string(data)
	}

	if strings.TrimSpace(input) == "" {
		runREPL()
		return
	}

	p := parser.New(input)
	exprs, err := p.ParseAll()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Parse error: %v\n", err)
		os.Exit(1)
	}

	if len(exprs) == 0 {
		fmt.Fprintf(os.Stderr, "No expressions to process\n")
		os.Exit(1)
	}

	interpret(exprs)
}

func interpret(exprs []*ast.Value) {
	env := eval.DefaultEnv()
	menv := eval.NewMenv(ast.Nil, env)

	for _, expr := range exprs {
		if *verbose {
			fmt.Printf("Evaluating: %s\n", expr.String())
		}

		result := eval.Eval(expr, menv)
		if result != nil {
			fmt.Printf("Result: %s\n", result.String())
		}
	}
}

func runREPL() {
	fmt.Println("purplevm REPL - lazy-value evaluation core")
	fmt.Println()
	fmt.Println("Type 'help' for commands, 'quit' to exit")
	fmt.Println()

	env := eval.DefaultEnv()
	menv := eval.NewMenv(ast.Nil, env)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("purplevm> ")

		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "quit", "exit":
			fmt.Println("Goodbye!")
			return
		case "help":
			printREPLHelp()
			continue
		}

		if !strings.HasPrefix(line, "(") && !strings.HasPrefix(line, "'") {
			fmt.Printf("Unknown command: %s (use 'help' for commands)\n", line)
			continue
		}

		p := parser.New(line)
		expr, err := p.Parse()
		if err != nil {
			fmt.Printf("Parse error: %v\n", err)
			continue
		}
		if expr == nil {
			continue
		}

		result := eval.Eval(expr, menv)
		if result != nil {
			fmt.Printf("=> %s\n", result.String())
		}
	}
}

func printREPLHelp() {
	fmt.Println("Commands:")
	fmt.Println("  quit     - exit the REPL")
	fmt.Println("  help     - show this help")
	fmt.Println()
	fmt.Println("Language:")
	fmt.Println("  (define name value)     - define a variable")
	fmt.Println("  (define (f x) body)     - define a function")
	fmt.Println("  (lambda (x) body)       - anonymous function")
	fmt.Println("  (let ((x val)) body)    - local binding")
	fmt.Println("  (if cond then else)     - conditional")
	fmt.Println("  (do expr1 expr2 ...)    - sequence")
	fmt.Println("  (quote x) or 'x         - quote expression")
	fmt.Println("  (delay expr)            - build a thunk, not evaluated yet")
	fmt.Println("  (force thunk)           - drive a thunk to weak-head normal form")
	fmt.Println()
	fmt.Println("Primitives:")
	fmt.Println("  Arithmetic: + - * / %")
	fmt.Println("  Comparison: < > <= >= =")
	fmt.Println("  Lists: cons car cdr null? list")
	fmt.Println("  I/O: display print newline")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  (+ 1 2)                         => 3")
	fmt.Println("  (force (delay (+ 1 2)))         => 3")
	fmt.Println("  (define (fib n) (if (<= n 1) n (+ (fib (- n 1)) (fib (- n 2)))))")
	fmt.Println("  (fib 10)                        => 55")
}
