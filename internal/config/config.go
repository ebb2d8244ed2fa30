package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration for a batch run. It is read
// once at startup and passed by value into the batch runner and tile
// pipeline; nothing mutates it afterwards.
//
// Optional fields are pointers so that a partial file leaves the rest at
// their defaults. The Get* accessors supply those defaults.
type Config struct {
	InputDir  string `json:"input_dir" yaml:"input_dir"`
	OutputDir string `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
	WorkDir   string `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`

	// ToolPath is the WhiteboxTools executable.
	ToolPath *string `json:"tool_path,omitempty" yaml:"tool_path,omitempty"`

	// HighResolution is the cell size of the final elevation grid.
	HighResolution *float64 `json:"high_resolution,omitempty" yaml:"high_resolution,omitempty"`
	// Resolution is the cell size of the gradient and density products.
	Resolution *float64 `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	// RadiusFactor scales Resolution into the density search radius.
	RadiusFactor *float64 `json:"radius_factor,omitempty" yaml:"radius_factor,omitempty"`

	CRS *string `json:"crs,omitempty" yaml:"crs,omitempty"`

	// GroundClass and MaxClass define the non-ground exclusion set
	// {0..MaxClass} minus GroundClass.
	GroundClass *int `json:"ground_class,omitempty" yaml:"ground_class,omitempty"`
	MaxClass    *int `json:"max_class,omitempty" yaml:"max_class,omitempty"`

	Extensions []string `json:"extensions,omitempty" yaml:"extensions,omitempty"`
	RasterExt  *string  `json:"raster_ext,omitempty" yaml:"raster_ext,omitempty"`

	ToolTimeout       *string `json:"tool_timeout,omitempty" yaml:"tool_timeout,omitempty"` // duration string like "10m"
	ConcurrentRasters *bool   `json:"concurrent_rasters,omitempty" yaml:"concurrent_rasters,omitempty"`
	Quicklook         *bool   `json:"quicklook,omitempty" yaml:"quicklook,omitempty"`

	// RunDB is the SQLite run history path. Empty disables history.
	RunDB string `json:"run_db,omitempty" yaml:"run_db,omitempty"`

	// LazDecompressCommand converts a .laz tile into a .las file the
	// point-cloud reader understands. {input} and {output} are replaced.
	LazDecompressCommand []string `json:"laz_decompress_command,omitempty" yaml:"laz_decompress_command,omitempty"`
}

// Default returns an empty Config; every Get* accessor then yields its
// default value.
func Default() *Config {
	return &Config{}
}

// Load reads a Config from a .json, .yaml or .yml file and validates it.
// Fields omitted from the file keep their defaults.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(cleanPath)); ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are usable. InputDir is
// not checked here because CLI flags may still supply it.
func (c *Config) Validate() error {
	if c.HighResolution != nil && *c.HighResolution <= 0 {
		return fmt.Errorf("high_resolution must be positive, got %g", *c.HighResolution)
	}
	if c.Resolution != nil && *c.Resolution <= 0 {
		return fmt.Errorf("resolution must be positive, got %g", *c.Resolution)
	}
	if c.RadiusFactor != nil && *c.RadiusFactor <= 0 {
		return fmt.Errorf("radius_factor must be positive, got %g", *c.RadiusFactor)
	}
	if c.MaxClass != nil && (*c.MaxClass < 0 || *c.MaxClass > 255) {
		return fmt.Errorf("max_class must be between 0 and 255, got %d", *c.MaxClass)
	}
	if c.GroundClass != nil {
		if *c.GroundClass < 0 || *c.GroundClass > c.GetMaxClass() {
			return fmt.Errorf("ground_class must be between 0 and max_class (%d), got %d", c.GetMaxClass(), *c.GroundClass)
		}
	}
	if c.ToolTimeout != nil && *c.ToolTimeout != "" {
		d, err := time.ParseDuration(*c.ToolTimeout)
		if err != nil {
			return fmt.Errorf("invalid tool_timeout '%s': %w", *c.ToolTimeout, err)
		}
		if d < 0 {
			return fmt.Errorf("tool_timeout must be non-negative, got %s", d)
		}
	}
	for _, ext := range c.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("extension %q must start with a dot", ext)
		}
	}
	if c.RasterExt != nil && *c.RasterExt != ".asc" {
		return fmt.Errorf("raster_ext %q is not supported (only .asc)", *c.RasterExt)
	}
	if len(c.LazDecompressCommand) > 0 {
		joined := strings.Join(c.LazDecompressCommand, " ")
		if !strings.Contains(joined, "{input}") || !strings.Contains(joined, "{output}") {
			return fmt.Errorf("laz_decompress_command must reference {input} and {output}")
		}
	}
	return nil
}

// GetOutputDir returns output_dir, falling back to the input directory.
func (c *Config) GetOutputDir() string {
	if c.OutputDir == "" {
		return c.InputDir
	}
	return c.OutputDir
}

// GetWorkDir returns work_dir or a terrain-work directory under the
// system temp dir.
func (c *Config) GetWorkDir() string {
	if c.WorkDir == "" {
		return filepath.Join(os.TempDir(), "terrain-work")
	}
	return c.WorkDir
}

// GetToolPath returns the tool_path value or the default.
func (c *Config) GetToolPath() string {
	if c.ToolPath == nil || *c.ToolPath == "" {
		return "whitebox_tools"
	}
	return *c.ToolPath
}

// GetHighResolution returns the high_resolution value or the default.
func (c *Config) GetHighResolution() float64 {
	if c.HighResolution == nil {
		return 0.5
	}
	return *c.HighResolution
}

// GetResolution returns the resolution value or the default.
func (c *Config) GetResolution() float64 {
	if c.Resolution == nil {
		return 2
	}
	return *c.Resolution
}

// GetRadiusFactor returns the radius_factor value or the default.
func (c *Config) GetRadiusFactor() float64 {
	if c.RadiusFactor == nil {
		return 2
	}
	return *c.RadiusFactor
}

// GetCRS returns the crs value or the default (SWEREF99 TM).
func (c *Config) GetCRS() string {
	if c.CRS == nil || *c.CRS == "" {
		return "EPSG:3006"
	}
	return *c.CRS
}

// GetGroundClass returns the ground_class value or the ASPRS default.
func (c *Config) GetGroundClass() int {
	if c.GroundClass == nil {
		return 2
	}
	return *c.GroundClass
}

// GetMaxClass returns the max_class value or the default.
func (c *Config) GetMaxClass() int {
	if c.MaxClass == nil {
		return 18
	}
	return *c.MaxClass
}

// NonGroundClasses returns every class code in 0..max_class except the
// ground class, ascending.
func (c *Config) NonGroundClasses() []int {
	ground := c.GetGroundClass()
	out := make([]int, 0, c.GetMaxClass())
	for code := 0; code <= c.GetMaxClass(); code++ {
		if code != ground {
			out = append(out, code)
		}
	}
	return out
}

// GetExtensions returns the recognised tile extensions, lower case.
func (c *Config) GetExtensions() []string {
	if len(c.Extensions) == 0 {
		return []string{".las", ".laz"}
	}
	out := make([]string, len(c.Extensions))
	for i, ext := range c.Extensions {
		out[i] = strings.ToLower(ext)
	}
	return out
}

// GetRasterExt returns the raster file extension.
func (c *Config) GetRasterExt() string {
	if c.RasterExt == nil || *c.RasterExt == "" {
		return ".asc"
	}
	return *c.RasterExt
}

// GetToolTimeout returns the per-invocation tool timeout. Zero means none.
func (c *Config) GetToolTimeout() time.Duration {
	if c.ToolTimeout == nil || *c.ToolTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(*c.ToolTimeout)
	if err != nil {
		return 0
	}
	return d
}

// GetConcurrentRasters returns the concurrent_rasters value or the default.
func (c *Config) GetConcurrentRasters() bool {
	if c.ConcurrentRasters == nil {
		return false
	}
	return *c.ConcurrentRasters
}

// GetQuicklook returns the quicklook value or the default.
func (c *Config) GetQuicklook() bool {
	if c.Quicklook == nil {
		return false
	}
	return *c.Quicklook
}

// Ptr returns a pointer to v. It keeps flag overrides and test fixtures
// short.
func Ptr[T any](v T) *T { return &v }
