package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"wisefido-chat/common/database"
	"wisefido-chat/internal/config"
	"wisefido-chat/internal/repository"

	"github.com/spf13/pflag"
)

// apply-migration applies the built-in chat schema, or a SQL file with --file.
func main() {
	file := pflag.String("file", "", "SQL migration file; empty applies the built-in chat schema")
	configPath := pflag.String("config", os.Getenv("CHAT_CONFIG"), "path to a YAML config file")
	pflag.Parse()

	cfg := config.Load()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			fatalf("Failed to load config: %v", err)
		}
	}

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		fatalf("Cannot connect to database: %v", err)
	}
	defer database.Close(db)
	fmt.Printf("Connected to database: %s@%s\n\n", cfg.Database.Database, cfg.Database.Host)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if *file == "" {
		if err := repository.EnsureSchema(ctx, db); err != nil {
			fatalf("Failed to apply chat schema: %v", err)
		}
		fmt.Println("Chat schema applied")
		return
	}

	content, err := os.ReadFile(*file)
	if err != nil {
		fatalf("Failed to read migration file: %v", err)
	}

	statements := splitStatements(string(content))
	for i, stmt := range statements {
		fmt.Printf("Executing statement %d/%d...\n", i+1, len(statements))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			fatalf("Failed to execute statement %d: %v\nStatement: %s", i+1, err, stmt[:min(100, len(stmt))])
		}
	}
	fmt.Println("Migration completed")
}

// splitStatements splits on ';', dropping blanks and comment-only chunks
func splitStatements(sqlText string) []string {
	var out []string
	for _, stmt := range strings.Split(sqlText, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" || onlyComments(stmt) {
			continue
		}
		out = append(out, stmt)
	}
	return out
}

func onlyComments(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
