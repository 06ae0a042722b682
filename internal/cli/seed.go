package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/raphaelgruber/lakeflow/internal/bus"
	"github.com/raphaelgruber/lakeflow/internal/events"
	"github.com/raphaelgruber/lakeflow/internal/models"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// seedFile describes archives, their vector stores and their entries.
type seedFile struct {
	Archives []seedArchive `yaml:"archives"`
}

type seedArchive struct {
	ID           string             `yaml:"id"`
	Type         models.ArchiveType `yaml:"type"`
	Description  string             `yaml:"description"`
	VectorStores []seedVectorStore  `yaml:"vector_stores"`
	Entries      []seedEntry        `yaml:"entries"`
}

type seedVectorStore struct {
	ID   string   `yaml:"id"`
	Tags []string `yaml:"tags"`
}

type seedEntry struct {
	ID      string   `yaml:"id"`
	Content string   `yaml:"content"`
	Tags    []string `yaml:"tags"`
}

var seedCmd = &cobra.Command{
	Use:   "seed <file>",
	Short: "Load archives and entries from a YAML file",
	Long: `Register archives and vector stores and index their entries.

Entries of VECTOR archives are embedded and added to the vector store whose
tags match them best.

Example file:
  archives:
    - id: handbook
      type: BASIC
      entries:
        - id: onboarding
          content: "New hires get a laptop on day one."
          tags: [people]
    - id: tickets
      type: VECTOR
      vector_stores:
        - id: tickets-billing
          tags: [billing]
      entries:
        - id: t-1
          content: "Invoice totals are off by one cent."
          tags: [billing]`,
	Args: cobra.ExactArgs(1),
	RunE: runSeed,
}

func runSeed(cmd *cobra.Command, args []string) error {
	if err := requireDB("seed"); err != nil {
		return err
	}
	ctx := context.Background()

	seed, err := readSeed(args[0])
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, runtimeOptions{ai: seed.needsEmbedder()})
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	n, err := applySeed(ctx, rt.store, rt.bus, seed)
	if err != nil {
		return err
	}
	rt.bus.Wait()

	fmt.Printf("Seeded %d archive(s) and %d entries\n", len(seed.Archives), n)
	return nil
}

func readSeed(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return parseSeed(data)
}

func parseSeed(data []byte) (*seedFile, error) {
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	var errs []error
	for i, a := range seed.Archives {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("archives[%d]: id is required", i))
		}
		if a.Type != models.ArchiveTypeBasic && a.Type != models.ArchiveTypeVector {
			errs = append(errs, fmt.Errorf("archives[%d]: type must be BASIC or VECTOR", i))
		}
		if a.Type == models.ArchiveTypeVector && len(a.Entries) > 0 && len(a.VectorStores) == 0 {
			errs = append(errs, fmt.Errorf("archives[%d]: VECTOR archive with entries needs a vector store", i))
		}
		for j, e := range a.Entries {
			if e.ID == "" || e.Content == "" {
				errs = append(errs, fmt.Errorf("archives[%d].entries[%d]: id and content are required", i, j))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &seed, nil
}

func (s *seedFile) needsEmbedder() bool {
	for _, a := range s.Archives {
		if a.Type == models.ArchiveTypeVector && len(a.Entries) > 0 {
			return true
		}
	}
	return false
}

// applySeed registers archives and stores, saves every entry and publishes
// one index_entry per entry. Returns the number of entries.
func applySeed(ctx context.Context, store backend, pub bus.Publisher, seed *seedFile) (int, error) {
	n := 0
	for _, a := range seed.Archives {
		if err := store.PutArchive(ctx, &models.Archive{ArchiveID: a.ID, ArchiveType: a.Type, Description: a.Description}); err != nil {
			return n, err
		}
		for _, vs := range a.VectorStores {
			err := store.PutVectorStore(ctx, &models.VectorStore{
				VectorStoreID: vs.ID,
				ArchiveID:     a.ID,
				Tags:          models.NormalizeTags(vs.Tags),
			})
			if err != nil {
				return n, err
			}
		}

		for _, e := range a.Entries {
			entry := models.NewEntry(e.ID, e.Content, []string{}, time.Now().UTC())
			entry.Tags = models.NormalizeTags(e.Tags)
			if err := store.SaveContent(ctx, entry.Resource().String(), e.Content); err != nil {
				return n, err
			}
			if err := store.PutEntry(ctx, entry); err != nil {
				return n, err
			}
			if err := pub.Submit(ctx, events.IndexEntry{ArchiveID: a.ID, EntryID: e.ID}, 0); err != nil {
				return n, fmt.Errorf("publish index_entry: %w", err)
			}
			n++
		}
	}
	return n, nil
}
