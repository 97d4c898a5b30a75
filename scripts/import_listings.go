package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"homestay/internal/config"
	"homestay/internal/database"
	"homestay/internal/domain"
	"homestay/internal/models"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type ListingsFile struct {
	Listings []models.Listing `yaml:"listings"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	var (
		listingsPath = flag.String("listings", "configs/listings.yaml", "path to listings.yaml")
		dbPath       = flag.String("db", "./data/homestay.db", "path to sqlite db")
	)
	flag.Parse()

	data, err := os.ReadFile(*listingsPath)
	if err != nil {
		return fmt.Errorf("read listings: %w", err)
	}
	var file ListingsFile
	if err = yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse listings: %w", err)
	}
	if len(file.Listings) == 0 {
		return fmt.Errorf("no listings in yaml")
	}
	if err = config.ValidateListings(file.Listings); err != nil {
		return err
	}

	db, err := database.NewDB(*dbPath, &logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	created := 0
	updated := 0
	for i := range file.Listings {
		l := file.Listings[i]
		_, err = db.GetListing(ctx, l.ID)
		switch {
		case err == nil:
			updated++
		case errors.Is(err, domain.ErrListingNotFound):
			created++
		default:
			return fmt.Errorf("get listing %d: %w", l.ID, err)
		}
		if err = db.UpsertListing(ctx, &l); err != nil {
			return fmt.Errorf("upsert listing %d: %w", l.ID, err)
		}
	}

	fmt.Printf("done: created=%d updated=%d\n", created, updated)
	return nil
}
