/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/spf13/cobra"

	"github.com/ssargent/featurestream/pkg/model"
	"github.com/ssargent/featurestream/pkg/source"
)

// seedCmd represents the seed command
var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Fill the source catalog with synthetic documents",
	Long: `Insert synthetic documents into the sqlite catalog for local testing.

Each document gets a title, a body and a set of tags. With --images every
document also carries a small generated PNG. Every --empty-every'th document
has no properties at all and is dropped by an export.

Examples:
  fstream seed --count=1000
  fstream seed --count=200 --images --source=./data/demo.db`,
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		images, _ := cmd.Flags().GetBool("images")
		emptyEvery, _ := cmd.Flags().GetInt("empty-every")

		src, err := source.OpenSQLite(cmd.Context(), cfg.Source.Path)
		if err != nil {
			return err
		}
		defer src.Close()

		if err := seedCatalog(cmd.Context(), src, count, images, emptyEvery); err != nil {
			return err
		}
		total, err := src.Count(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("Seeded %d documents into %s (%d total)\n", count, src.Path(), total)
		return nil
	},
}

var seedTags = []string{"news", "sports", "science", "travel", "food", "music"}

// seedCatalog inserts count synthetic units named doc-000000 onwards
func seedCatalog(ctx context.Context, src *source.SQLiteSource, count int, images bool, emptyEvery int) error {
	for i := 0; i < count; i++ {
		unit := model.Unit{
			ID:         fmt.Sprintf("doc-%06d", i),
			Properties: map[string]model.Property{},
		}
		if emptyEvery <= 0 || (i+1)%emptyEvery != 0 {
			unit.Properties["title"] = model.Property{Kind: model.KindText, Text: fmt.Sprintf("Document %d", i)}
			unit.Properties["body"] = model.Property{Kind: model.KindText, Text: fmt.Sprintf("Synthetic body text for document %d.", i)}
			unit.Properties["tags"] = model.Property{
				Kind:   model.KindCategory,
				Values: []string{seedTags[i%len(seedTags)], seedTags[(i/len(seedTags))%len(seedTags)]},
			}
			if images {
				img, err := seedImage(i)
				if err != nil {
					return err
				}
				unit.Properties["image"] = model.Property{Kind: model.KindImage, Blob: img}
			}
		}
		if err := src.InsertUnit(ctx, unit); err != nil {
			return fmt.Errorf("insert %s: %w", unit.ID, err)
		}
	}
	return nil
}

// seedImage renders a 32x32 gradient tinted by n
func seedImage(n int) ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 8), G: uint8(y * 8), B: uint8(n), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode seed image: %w", err)
	}
	return buf.Bytes(), nil
}

func init() {
	rootCmd.AddCommand(seedCmd)

	seedCmd.Flags().Int("count", 100, "Number of documents to insert")
	seedCmd.Flags().Bool("images", false, "Attach a generated PNG to every document")
	seedCmd.Flags().Int("empty-every", 10, "Leave every n-th document without properties (0 disables)")
}
