package main

import (
	"fmt"
	"os"
	"strconv"

	"chatty/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled.
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("chatty server %s\n", Version)
		return true
	case "check":
		return cliCheck(args[1:])
	case "audit":
		return cliAudit(args[1:])
	default:
		return false
	}
}

// cliCheck validates a configuration file and prints the effective values.
func cliCheck(args []string) bool {
	if len(args) != 2 || args[0] != "-f" {
		fmt.Fprintln(os.Stderr, "usage: chatty check -f <config-path>")
		os.Exit(1)
	}

	cfg, err := loadConfig(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("UnixPath:        %s\n", cfg.UnixPath)
	fmt.Printf("MaxConnections:  %d\n", cfg.MaxConnections)
	fmt.Printf("ThreadsInPool:   %d\n", cfg.ThreadsInPool)
	fmt.Printf("MaxMsgSize:      %d bytes\n", cfg.MaxMsgSize)
	fmt.Printf("MaxFileSize:     %d bytes\n", cfg.MaxFileSize)
	fmt.Printf("MaxHistMsgs:     %d\n", cfg.MaxHistMsgs)
	fmt.Printf("DirName:         %s\n", cfg.DirName)
	fmt.Printf("StatFileName:    %s\n", cfg.StatFileName)
	if cfg.AuditDBName != "" {
		fmt.Printf("AuditDBName:     %s\n", cfg.AuditDBName)
	}
	if cfg.ApiAddr != "" {
		fmt.Printf("ApiAddr:         %s\n", cfg.ApiAddr)
	}
	if cfg.MetricsInterval > 0 {
		fmt.Printf("MetricsInterval: %ds\n", cfg.MetricsInterval)
	}
	return true
}

// cliAudit prints the newest audit rows from an audit database.
func cliAudit(args []string) bool {
	if len(args) < 2 || args[0] != "-db" {
		fmt.Fprintln(os.Stderr, "usage: chatty audit -db <path> [n]")
		os.Exit(1)
	}
	n := 20
	if len(args) > 2 {
		v, err := strconv.Atoi(args[2])
		if err != nil || v <= 0 {
			fmt.Fprintf(os.Stderr, "invalid row count %q\n", args[2])
			os.Exit(1)
		}
		n = v
	}

	st, err := store.New(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	entries, err := st.RecentAudit(n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries found.")
		return true
	}
	for _, e := range entries {
		fmt.Printf("  [%d] %d %s %s -> %s (%s)\n",
			e.ID, e.CreatedAt, e.Op, e.Sender, e.Receiver, e.Outcome)
	}
	return true
}
