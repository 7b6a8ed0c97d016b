package main

import (
	"fmt"
	"os"

	"github.com/gujial/voicePhone/internal/crypto"
	"github.com/gujial/voicePhone/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	subcmd := args[0]
	switch subcmd {
	case "version":
		fmt.Printf("voicephone server %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "users":
		return cliUsers(args[1:], dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Users: %d\n", st.UserCount())
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliUsers(args []string, dbPath string) bool {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		users := st.Users()
		if len(users) == 0 {
			fmt.Println("No users found.")
			return true
		}
		for _, u := range users {
			fmt.Printf("  [%s] %s (created %s)\n", u.Type, u.Username, u.CreatedAt)
		}
		return true
	}

	if args[0] == "create" && len(args) > 2 {
		username, password := args[1], args[2]
		userType := store.TypeUser
		if len(args) > 3 && args[3] == "admin" {
			userType = store.TypeAdministrator
		}
		if err := st.Register(username, crypto.HashPassword(password), userType); err != nil {
			fmt.Fprintf(os.Stderr, "error creating user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created user %q (%s)\n", username, userType)
		return true
	}

	if args[0] == "promote" && len(args) > 1 {
		username := args[1]
		if err := st.SetUserType(username, store.TypeAdministrator); err != nil {
			fmt.Fprintf(os.Stderr, "error promoting user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Promoted %q to administrator\n", username)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: voicephone users [list|create <name> <password> [admin]|promote <name>]\n")
	os.Exit(1)
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	outPath := "voicephone-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}
