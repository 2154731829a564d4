// Package extractor rebuilds standalone Mach-O dylibs from the images of a
// dyld shared cache. The pipeline runs five stages per image: slide
// processing, linkedit optimization, stub fixing, objc fixing, and offset
// optimization, all mutating a shared extraction context.
package extractor

import (
	"github.com/blacktop/dyldex/internal/activity"
	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/blacktop/dyldex/pkg/macho"
)

// Modules names the pipeline stages that can be skipped for development.
// Skipping any stage produces a non-loadable image by design.
type Modules struct {
	ProcessSlideInfo bool
	OptimizeLinkedit bool
	FixStubs         bool
	FixObjc          bool
	GenerateMetadata bool
}

// AllModules enables every pipeline stage.
func AllModules() Modules {
	return Modules{
		ProcessSlideInfo: true,
		OptimizeLinkedit: true,
		FixStubs:         true,
		FixObjc:          true,
		GenerateMetadata: true,
	}
}

// ModulesFromSkipMask builds the module set from the CLI's --skip-modules
// bitmask (bit 0 slide, 1 linkedit, 2 stubs, 3 objc, 4 metadata).
func ModulesFromSkipMask(mask uint32) Modules {
	return Modules{
		ProcessSlideInfo: mask&(1<<0) == 0,
		OptimizeLinkedit: mask&(1<<1) == 0,
		FixStubs:         mask&(1<<2) == 0,
		FixObjc:          mask&(1<<3) == 0,
		GenerateMetadata: mask&(1<<4) == 0,
	}
}

// Config carries the run-wide options into each image's pipeline.
type Config struct {
	OutputDir     string
	DisableOutput bool
	OnlyValidate  bool
	Modules       Modules
	ImbedVersion  bool
	// ToolVersion is the value written into the 64-bit header's reserved
	// field when ImbedVersion is set.
	ToolVersion uint32
}

// Context is the per-image scratchpad shared by all pipeline stages.
type Context struct {
	Cache *dyld.File
	Mach  *macho.File
	Image *dyld.Image
	Accel *Accelerator
	Log   *activity.Logger

	Config Config

	PointerTracker  *PointerTracker
	LinkeditTracker *LinkeditTracker
	Symbolizer      *Symbolizer
	ExObjc          *ExtraData

	// HasRedactedIndirect is set by the linkedit optimizer when any indirect
	// symbol entry was zero; the stub fixer then back-fills the reserved
	// trailing nlist slots.
	HasRedactedIndirect bool
}

// NewContext bundles the views for one image run.
func NewContext(cache *dyld.File, image *dyld.Image, m *macho.File, accel *Accelerator, log *activity.Logger, cfg Config) *Context {
	return &Context{
		Cache:          cache,
		Mach:           m,
		Image:          image,
		Accel:          accel,
		Log:            log,
		Config:         cfg,
		PointerTracker: NewPointerTracker(cache, m.Arch),
	}
}
