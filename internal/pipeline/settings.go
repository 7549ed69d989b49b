package pipeline

import (
	"github.com/couchcryptid/etc-composites/internal/centres"
	"github.com/couchcryptid/etc-composites/internal/composite"
	"github.com/couchcryptid/etc-composites/internal/config"
	"github.com/couchcryptid/etc-composites/internal/field"
	"github.com/couchcryptid/etc-composites/internal/tracks"
)

// CentresConfig extracts the detection thresholds.
func CentresConfig(cfg *config.Config) centres.Config {
	return centres.Config{
		ElevationThreshold: cfg.ThreshHgt,
		LandThreshold:      cfg.ThreshLSM,
		LapCutoff:          cfg.LapCutoff,
		ContourInterval:    cfg.ContourInterval,
		DuplicateRadius:    cfg.DuplicateRadiusKm * 1000,
		MinCentres:         cfg.MinCentres,
		MaxCentres:         cfg.MaxCentres,
		MaxChange:          cfg.MaxCentresChange,
	}
}

// TracksConfig extracts the matching parameters for data at the given
// cadence in hours.
func TracksConfig(cfg *config.Config, cadence int64) tracks.Config {
	return tracks.Config{
		Bands:             cfg.SearchBands,
		WeightDistance:    cfg.WeightDistance,
		WeightPersistence: cfg.WeightPersistence,
		WeightSLP:         cfg.WeightSLP,
		WeightLaplacian:   cfg.WeightLaplacian,
		SLPScale:          cfg.SLPScale,
		LapScale:          cfg.LapScale,
		Bridge:            cfg.BridgeGaps,
		BridgeFactor:      cfg.BridgeFactor,
		MinSteps:          cfg.MinTrackSteps,
		Cadence:           cadence,
	}
}

// CompositeConfig extracts the compositing selection and bin geometry.
func CompositeConfig(cfg *config.Config) (composite.Config, error) {
	circ, err := composite.NewCircular(cfg.CircDistDiv*1000, cfg.CircAngDiv, cfg.CircDistMax*1000)
	if err != nil {
		return composite.Config{}, err
	}
	rect, err := composite.NewRectangular(cfg.AreaDistDiv*1000, cfg.AreaDistMax*1000)
	if err != nil {
		return composite.Config{}, err
	}
	return composite.Config{
		Variables:     cfg.CompositeVars,
		Hemispheres:   cfg.Hemispheres,
		Seasons:       cfg.Seasons,
		LandSea:       cfg.LandSea,
		WarmMonths:    cfg.WarmMonths,
		Circular:      circ,
		Rectangular:   rect,
		LandThreshold: cfg.ThreshLSM,
		CacheSize:     cfg.SnapshotCacheSize,
	}, nil
}

// SourceConfig locates the staged SLP files.
func SourceConfig(cfg *config.Config) field.SourceConfig {
	return field.SourceConfig{
		Dir:      StagedDir(cfg, "data"),
		Pattern:  cfg.SLPPattern,
		Variable: cfg.SLPVar,
		Calendar: cfg.Calendar,
	}
}

// FieldConfig locates the staged composite variable files.
func FieldConfig(cfg *config.Config) field.FieldConfig {
	return field.FieldConfig{
		Dir:      StagedDir(cfg, "var_data"),
		Pattern:  cfg.VarPattern,
		Calendar: cfg.Calendar,
	}
}

// FieldOpener adapts field.Fields to the compositor.
func FieldOpener(f *field.Fields) composite.FieldOpener {
	return composite.OpenerFunc(func(variable string, year int) (composite.YearField, error) {
		yf, err := f.Open(variable, year)
		if err != nil {
			return nil, err
		}
		return yf, nil
	})
}
