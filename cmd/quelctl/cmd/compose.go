package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"quel-fitting-server/modules/composite"
	"quel-fitting-server/modules/fitting"
)

var composeCmd = &cobra.Command{
	Use:   "compose",
	Short: "Render the reference canvas locally",
	Long: `Lay out the face, product and detail images on the reference canvas exactly
as the server does before calling the provider, and write it as a JPEG.
The detected garment color and model tone are printed as well.

Example:
  quelctl compose --product shirt.png --face face.jpg --detail collar.png --detail cuff.png -o canvas.jpg`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		product, _ := flags.GetString("product")
		face, _ := flags.GetString("face")
		details, _ := flags.GetStringSlice("detail")
		out, _ := flags.GetString("out")

		if product == "" {
			cmd.Println("Error: --product is required")
			return
		}

		images, err := loadCanvasImages(face, product, details)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}

		canvas, err := composite.New(composite.DefaultOptions()).Compose(images)
		if err != nil {
			cmd.Printf("Compose failed: %v\n", err)
			return
		}
		if err := os.WriteFile(out, canvas, 0o644); err != nil {
			cmd.Printf("Failed to write %s: %v\n", out, err)
			return
		}

		cmd.Printf("✓ Canvas written to %s (%d bytes)\n", out, len(canvas))
		cmd.Printf("%sDigest:%s      %s\n", colorDim, colorReset, composite.Digest(canvas))

		traits := fitting.AnalyzeInputs(images, fitting.DefaultAnalyzers())
		if traits.Garment != nil {
			cmd.Printf("%sGarment:%s     %s (coverage %.2f)\n", colorDim, colorReset, traits.Garment.ColorName, traits.Garment.Coverage)
		}
		if traits.Model != nil {
			cmd.Printf("%sModel:%s       %s tone\n", colorDim, colorReset, traits.Model.SkinTone)
		}
		if len(traits.Details) > 0 {
			cmd.Printf("%sDetails:%s     %d\n", colorDim, colorReset, len(traits.Details))
		}
	},
}

// loadCanvasImages reads the files in band order: face, product, details.
func loadCanvasImages(face, product string, details []string) ([]composite.Image, error) {
	var images []composite.Image
	add := func(role composite.Role, path string) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		images = append(images, composite.Image{Role: role, Data: data})
		return nil
	}

	if face != "" {
		if err := add(composite.RoleFace, face); err != nil {
			return nil, err
		}
	}
	if err := add(composite.RoleProduct, product); err != nil {
		return nil, err
	}
	for _, d := range details {
		if err := add(composite.RoleDetail, d); err != nil {
			return nil, err
		}
	}
	return images, nil
}

func init() {
	flags := composeCmd.Flags()
	flags.StringP("product", "p", "", "Garment image (required)")
	flags.StringP("face", "f", "", "Model face image (optional)")
	flags.StringSliceP("detail", "d", []string{}, "Detail close-up images (repeatable)")
	flags.StringP("out", "o", "canvas.jpg", "Output JPEG path")

	rootCmd.AddCommand(composeCmd)
}
