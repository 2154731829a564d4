/*
Copyright © 2022-2026 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	clihander "github.com/apex/log/handlers/cli"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/dyldex/internal/activity"
	"github.com/blacktop/dyldex/internal/utils"
	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/blacktop/dyldex/pkg/extractor"
)

var (
	// AppVersion stores the tool's version (set at link time)
	AppVersion string
	// AppBuildTime stores the tool's build time (set at link time)
	AppBuildTime string
)

// toolVersion is the 32-bit constant imbedded into extracted 64-bit images'
// reserved header field when --imbed-version is set.
const toolVersion uint32 = 0x00020100

func init() {
	log.SetHandler(clihander.Default)

	rootCmd.Flags().StringP("output-dir", "o", "", "Directory to extract the dylib(s) into (default: CWD)")
	rootCmd.Flags().BoolP("verbose", "v", false, "Enable verbose debug logging")
	rootCmd.Flags().BoolP("disable-output", "d", false, "Run the pipeline without writing any files")
	rootCmd.Flags().Bool("only-validate", false, "Validate the cache images and exit")
	rootCmd.Flags().Uint32P("skip-modules", "s", 0, "Skip pipeline modules (bitmask: 1=slide, 2=linkedit, 4=stubs, 8=objc, 16=metadata)")
	rootCmd.Flags().Bool("imbed-version", false, "Imbed the tool version into the mach_header_64 reserved field")
	rootCmd.Flags().BoolP("list-images", "l", false, "List the images in the shared cache")
	rootCmd.Flags().StringP("filter", "f", "", "Filter images when listing or extracting all")
	rootCmd.Flags().StringP("extract", "e", "", "Extract a single image (match by name or partial path)")
	rootCmd.Flags().BoolP("all", "a", false, "Extract ALL images")
	rootCmd.Flags().Bool("color", false, "Colorize output")
	rootCmd.MarkFlagDirname("output-dir")
	viper.BindPFlag("output-dir", rootCmd.Flags().Lookup("output-dir"))
	viper.BindPFlag("verbose", rootCmd.Flags().Lookup("verbose"))
	viper.BindPFlag("disable-output", rootCmd.Flags().Lookup("disable-output"))
	viper.BindPFlag("only-validate", rootCmd.Flags().Lookup("only-validate"))
	viper.BindPFlag("skip-modules", rootCmd.Flags().Lookup("skip-modules"))
	viper.BindPFlag("imbed-version", rootCmd.Flags().Lookup("imbed-version"))
	viper.BindPFlag("list-images", rootCmd.Flags().Lookup("list-images"))
	viper.BindPFlag("filter", rootCmd.Flags().Lookup("filter"))
	viper.BindPFlag("extract", rootCmd.Flags().Lookup("extract"))
	viper.BindPFlag("all", rootCmd.Flags().Lookup("all"))
	viper.BindPFlag("color", rootCmd.Flags().Lookup("color"))
	viper.BindEnv("color", "CLICOLOR")
}

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:           "dyldex <DSC>",
	Short:         "Extract dylibs from a dyld_shared_cache",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = !viper.GetBool("color")

		dscPath := filepath.Clean(args[0])
		if _, err := os.Lstat(dscPath); err != nil {
			return fmt.Errorf("file %s does not exist", dscPath)
		}

		f, err := dyld.Open(dscPath)
		if err != nil {
			return fmt.Errorf("failed to open %s: %v", dscPath, err)
		}

		if viper.GetBool("list-images") {
			for _, image := range f.FilterImages(viper.GetString("filter")) {
				fmt.Printf("%4d: %#x  %s\n", image.Index, image.Address(), image.Name)
			}
			return nil
		}

		var images []*dyld.Image
		switch {
		case viper.GetBool("only-validate"), viper.GetBool("all"):
			images = f.FilterImages(viper.GetString("filter"))
		case viper.GetString("extract") != "":
			image := f.Image(viper.GetString("extract"))
			if image == nil {
				return fmt.Errorf("image not found: %s", viper.GetString("extract"))
			}
			images = append(images, image)
		default:
			return fmt.Errorf("specify --extract <DYLIB>, --all, --list-images or --only-validate")
		}

		alog := activity.New(log.Log)

		if viper.GetBool("only-validate") {
			failed := 0
			for _, res := range extractor.Validate(f, images) {
				if res.Err != nil {
					failed++
					log.WithField("image", res.Name).Errorf("invalid: %v", res.Err)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d images failed validation", failed, len(images))
			}
			log.Infof("all %d images are well-formed", len(images))
			return nil
		}

		outputDir := viper.GetString("output-dir")
		if outputDir == "" {
			if outputDir, err = os.Getwd(); err != nil {
				return fmt.Errorf("failed to get current working directory: %w", err)
			}
		}

		cfg := extractor.Config{
			OutputDir:     outputDir,
			DisableOutput: viper.GetBool("disable-output"),
			Modules:       extractor.ModulesFromSkipMask(viper.GetUint32("skip-modules")),
			ImbedVersion:  viper.GetBool("imbed-version"),
			ToolVersion:   toolVersion,
		}

		if len(images) > 1 {
			alog.AttachBar(int64(len(images)))
		}
		results := extractor.Run(f, images, alog, cfg)
		alog.Wait()

		// summary report
		failed := 0
		for _, res := range results {
			if res.Err != nil {
				failed++
				utils.Indent(log.Error, 2)(fmt.Sprintf("%s: %v", res.Name, res.Err))
			} else if res.Summary != "ok" {
				utils.Indent(log.Warn, 2)(fmt.Sprintf("%s: %s", res.Name, res.Summary))
			}
		}
		if failed > 0 {
			return fmt.Errorf("failed to extract %d of %d images", failed, len(results))
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if AppVersion != "" {
		rootCmd.Version = fmt.Sprintf("%s (built %s)", AppVersion, AppBuildTime)
	}
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
