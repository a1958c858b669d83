package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blockedby/groupscan/internal/config"
	"github.com/blockedby/groupscan/internal/scanner"
)

// validate-config checks config.json files and target YAML files without
// connecting to anything.
func main() {
	if len(os.Args) < 2 {
		fmt.Println("No files to check.")
		os.Exit(0)
	}

	failed := false
	for _, path := range os.Args[1:] {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Printf("❌ Failed to read %s: %v\n", path, err)
			failed = true
			continue
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			targets, err := scanner.ParseTargets(data)
			if err != nil {
				fmt.Printf("❌ Invalid targets in %s: %v\n", path, err)
				failed = true
				continue
			}
			fmt.Printf("✅ %s is valid (%d groups, search: %t)\n", path, len(targets.Groups), targets.Search != nil)
		default:
			_, missing, err := config.Parse(data)
			if err != nil {
				fmt.Printf("❌ Invalid config in %s: %v\n", path, err)
				failed = true
				continue
			}
			if len(missing) > 0 {
				fmt.Printf("✅ %s is valid (defaults for: %s)\n", path, strings.Join(missing, ", "))
				continue
			}
			fmt.Printf("✅ %s is valid\n", path)
		}
	}

	if failed {
		os.Exit(1)
	}
}
