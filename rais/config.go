package rais

import (
	"slices"

	"github.com/warp/rais-engine/generic"
)

// DefaultClassificationURL is the IBGE CNAE 2.0 classes endpoint.
const DefaultClassificationURL = "https://servicodados.ibge.gov.br/api/v2/cnae/classes"

// Config holds everything one pipeline run needs. It is built once (see
// factory.LoadConfig) and not modified afterwards; NewPipeline keeps its
// own copy.
type Config struct {
	// RawDir holds the extracted microdata files, named <UF><year>.txt.
	RawDir string `yaml:"raw_dir" json:"raw_dir"`
	// UtilDir caches the classification catalog (CNAEclasses.json).
	UtilDir string `yaml:"util_dir" json:"util_dir"`
	// DBPath is the SQLite file that receives finished tables.
	DBPath string `yaml:"db_path" json:"db_path"`
	// ExportDir, when set, also receives every finished table as CSV.
	ExportDir string `yaml:"export_dir" json:"export_dir"`

	Vintages []string `yaml:"vintages" json:"vintages"`
	States   []string `yaml:"states" json:"states"`
	Cuts     []Cut    `yaml:"cuts" json:"cuts"`

	// Workers bounds concurrent municipality aggregation. 1 runs serially.
	Workers int `yaml:"workers" json:"workers"`

	ClassificationURL string `yaml:"classification_url" json:"classification_url"`

	EmploymentFloor float64 `yaml:"employment_floor" json:"employment_floor"`
	EducationFloor  float64 `yaml:"education_floor" json:"education_floor"`
}

// DefaultConfig mirrors the published run: 2017 and 2010, every state,
// and the RMC cut.
func DefaultConfig() Config {
	return Config{
		RawDir:            "data/raw",
		UtilDir:           "data/util",
		DBPath:            "rais.db",
		Vintages:          []string{"2017", "2010"},
		States:            slices.Clone(States),
		Cuts:              []Cut{RMCCut()},
		Workers:           4,
		ClassificationURL: DefaultClassificationURL,
		EmploymentFloor:   generic.DefaultEmploymentFloor,
		EducationFloor:    generic.DefaultEducationFloor,
	}
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.Vintages = slices.Clone(c.Vintages)
	out.States = slices.Clone(c.States)
	out.Cuts = make([]Cut, len(c.Cuts))
	for i, cut := range c.Cuts {
		cut.Municipalities = slices.Clone(cut.Municipalities)
		out.Cuts[i] = cut
	}
	return out
}

// Cut returns the configured cut with the given name.
func (c Config) Cut(name string) (Cut, bool) {
	for _, cut := range c.Cuts {
		if cut.Name == name {
			return cut, true
		}
	}
	return Cut{}, false
}
