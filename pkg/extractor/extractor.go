package extractor

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"

	"github.com/blacktop/dyldex/internal/activity"
	"github.com/blacktop/dyldex/internal/utils"
	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/blacktop/dyldex/pkg/macho"
)

// ImageResult is one line of the end-of-run summary report.
type ImageResult struct {
	Name    string
	Err     error
	Summary string
}

// ExtractImage runs the five-stage pipeline on one image and, unless output
// is disabled, writes the reconstituted Mach-O under cfg.OutputDir at the
// image's install path.
func ExtractImage(cache *dyld.File, image *dyld.Image, accel *Accelerator, alog *activity.Logger, cfg Config) error {
	arch, ok := macho.ArchForCache(cache.ArchName())
	if !ok {
		return fmt.Errorf("unsupported cache architecture %q", cache.ArchName())
	}

	m, err := macho.NewFile(cache, image, arch)
	if err != nil {
		return err
	}

	ctx := NewContext(cache, image, m, accel, alog, cfg)

	if cfg.Modules.ProcessSlideInfo {
		if err := ProcessSlideInfo(ctx); err != nil {
			return fmt.Errorf("slide processor: %w", err)
		}
	}
	if cfg.Modules.OptimizeLinkedit {
		if err := OptimizeLinkedit(ctx); err != nil {
			return fmt.Errorf("linkedit optimizer: %w", err)
		}
	}
	if cfg.Modules.FixStubs {
		if err := FixStubs(ctx); err != nil {
			return fmt.Errorf("stub fixer: %w", err)
		}
	}
	if cfg.Modules.FixObjc {
		if err := FixObjc(ctx); err != nil {
			return fmt.Errorf("objc fixer: %w", err)
		}
	}
	if cfg.Modules.GenerateMetadata {
		if err := GenerateMetadata(ctx); err != nil {
			return fmt.Errorf("metadata generator: %w", err)
		}
	}

	if cfg.ImbedVersion {
		if arch.Is64 {
			if err := m.SetReserved(cfg.ToolVersion); err != nil {
				return err
			}
		} else {
			alog.Warnf("cannot imbed the tool version into a 32-bit image")
		}
	}

	if cfg.OnlyValidate || cfg.DisableOutput {
		return nil
	}

	procedures, err := OptimizeOffsets(ctx)
	if err != nil {
		return fmt.Errorf("offset optimizer: %w", err)
	}

	outPath := OutputPath(cfg.OutputDir, image.Name)
	if err := WriteImage(outPath, procedures); err != nil {
		return err
	}

	var total uint64
	for _, p := range procedures {
		if end := p.WriteOffset + uint64(len(p.Data)); end > total {
			total = end
		}
	}
	utils.Indent(alog.Info, 2)(fmt.Sprintf("Created %s (%s)", outPath, humanize.Bytes(total)))
	return nil
}

// OutputPath maps an image install name to its extraction path.
func OutputPath(outputDir, installName string) string {
	return filepath.Join(outputDir, strings.TrimPrefix(installName, "/"))
}

// Validate checks that every selected image parses as a well-formed Mach-O
// inside the cache, without writing anything.
func Validate(cache *dyld.File, images []*dyld.Image) []ImageResult {
	arch, ok := macho.ArchForCache(cache.ArchName())
	if !ok {
		return []ImageResult{{Err: fmt.Errorf("unsupported cache architecture %q", cache.ArchName())}}
	}

	var results []ImageResult
	for _, image := range images {
		res := ImageResult{Name: image.Name}
		m, err := macho.NewFile(cache, image, arch)
		if err == nil {
			if m.GetSegment("__TEXT") == nil {
				err = fmt.Errorf("image has no __TEXT segment")
			} else if m.GetSegment("__LINKEDIT") == nil {
				err = fmt.Errorf("image has no __LINKEDIT segment")
			} else if _, ok := m.Symtab(); !ok {
				err = fmt.Errorf("image has no LC_SYMTAB")
			}
		}
		res.Err = err
		results = append(results, res)
	}
	return results
}

// Run drives the pipeline over the selected images sequentially, collecting
// a per-image summary. A fatal error in one image aborts that image only.
func Run(cache *dyld.File, images []*dyld.Image, alog *activity.Logger, cfg Config) []ImageResult {
	accel := NewAccelerator()

	var results []ImageResult
	for _, image := range images {
		alog.StartImage(image.Name)
		log.WithField("image", filepath.Base(image.Name)).Info("Extracting")

		err := ExtractImage(cache, image, accel, alog, cfg)
		if err != nil {
			alog.Errorf("failed to extract %s: %v", image.Name, err)
		}
		results = append(results, ImageResult{
			Name:    image.Name,
			Err:     err,
			Summary: alog.Summary(),
		})
		alog.Update()
	}
	return results
}
