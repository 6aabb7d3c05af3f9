package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/receiving_backend/config"
	"bitbucket.org/mmdatafocus/receiving_backend/models"
	"bitbucket.org/mmdatafocus/receiving_backend/sqlitestore"
	"bitbucket.org/mmdatafocus/receiving_backend/workflow"
)

// qc-template-seed loads quality-check templates from a YAML file and upserts them.
// Template ids derive from category + name, so rerunning the same file is safe.
// The cached template list in redis is dropped afterwards when REDIS_ADDRESS is set.
//
// Example:
//
//	STORE_DRIVER=sqlite go run ./cmd/qc-template-seed/ -file=templates.yaml
//	go run ./cmd/qc-template-seed/ -file=templates.yaml -dry-run
func main() {
	file := flag.String("file", "", "Required: path to the YAML template seed file")
	dryRun := flag.Bool("dry-run", false, "Validate and print templates without writing")
	flag.Parse()

	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		os.Exit(1)
	}

	templates, err := models.LoadTemplateSeedFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid seed file: %v\n", err)
		os.Exit(1)
	}
	for _, t := range templates {
		fmt.Printf("template id=%s category=%s name=%q criteria=%d active=%t\n", t.ID, t.Category, t.Name, len(t.Criteria), t.Active())
	}
	if *dryRun {
		fmt.Printf("dry run: %d template(s) valid, nothing written\n", len(templates))
		return
	}

	ctx := context.Background()
	store, closeStore, err := openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer closeStore()

	for i := range templates {
		if err := store.SaveTemplate(ctx, &templates[i]); err != nil {
			fmt.Fprintf(os.Stderr, "save template %q: %v\n", templates[i].Name, err)
			os.Exit(1)
		}
	}

	if strings.TrimSpace(os.Getenv("REDIS_ADDRESS")) != "" {
		redisCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		config.ConnectRedisWithRetry(redisCtx)
		cancel()
		workflow.NewTemplateCatalog(store, config.GetLogger()).Invalidate(ctx)
	}
	fmt.Printf("seeded %d template(s)\n", len(templates))
}

func openStore() (models.Store, func(), error) {
	if config.StoreDriver() == config.StoreDriverSQLite {
		s, err := sqlitestore.Open(config.SQLiteDSN())
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		return nil, nil, fmt.Errorf("database not initialized")
	}
	if err := models.Migrate(db); err != nil {
		return nil, nil, err
	}
	return models.NewGormStore(db), func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}, nil
}
