package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

func main() {
	port := flag.Int("port", 0, "port to hold open (0 = none)")
	ignoreTerm := flag.Bool("ignore-term", false, "ignore SIGTERM")
	exitAfter := flag.Duration("exit-after", 0, "exit on its own after this long")
	exitCode := flag.Int("exit-code", 0, "exit code used with -exit-after")
	printEnv := flag.String("print-env", "", "print the value of this env var to stdout")
	noise := flag.Bool("noise", false, "print a health poll line and a normal line")
	flag.Parse()

	if *printEnv != "" {
		fmt.Printf("%s=%s\n", *printEnv, os.Getenv(*printEnv))
	}
	if *noise {
		fmt.Println("srv log_server_r: request: GET /health 127.0.0.1 200")
		fmt.Println("model loaded")
	}
	fmt.Fprintln(os.Stderr, "fake engine starting")

	if *port > 0 {
		l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(*port))
		if err != nil {
			fmt.Fprintln(os.Stderr, "listen:", err)
			os.Exit(2)
		}
		defer l.Close()
		go func() {
			for {
				c, err := l.Accept()
				if err != nil {
					return
				}
				_ = c.Close()
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	if *ignoreTerm {
		signal.Ignore(syscall.SIGTERM)
	} else {
		signal.Notify(sigCh, syscall.SIGTERM, os.Interrupt)
	}
	var exitC <-chan time.Time
	if *exitAfter > 0 {
		exitC = time.After(*exitAfter)
	}
	// a pending timer stops the runtime from reporting a deadlock while
	// SIGTERM is ignored and nothing else can wake main
	idle := time.NewTicker(time.Hour)
	defer idle.Stop()
	for {
		select {
		case <-sigCh:
			os.Exit(0)
		case <-exitC:
			fmt.Fprintln(os.Stderr, "fake engine giving up")
			os.Exit(*exitCode)
		case <-idle.C:
		}
	}
}
