package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/marmos91/dittorpc/pkg/config"
)

const usage = `dittorpc - object RPC server

Usage:
  dittorpc <command> [flags]

Commands:
  init     Write a default configuration file
  start    Run the server
  call     Invoke an operation on a remote object

Run 'dittorpc <command> -h' for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	// Environment from .env is optional; real env vars always win.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment variables from .env")
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "init":
		err = runInit(args)
	case "start":
		err = runStart(args)
	case "call":
		err = runCall(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "Path of the file to write (default "+config.GetDefaultConfigPath()+")")
	force := fs.Bool("force", false, "Overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := *configPath
	if path == "" {
		written, err := config.InitConfig(*force)
		if err != nil {
			return err
		}
		path = written
	} else if err := config.InitConfigToPath(path, *force); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", path)
	return nil
}
