// Package rais implements the RAIS labor-statistics pipeline.
// It uses the generic engine with the RAIS vintages, the Brazilian states,
// and the CNAE classification.
package rais

import "github.com/warp/rais-engine/generic"

// =============================================================================
// STATES (UFs)
// =============================================================================

// States lists the 27 federative units, in the order the microdata is
// published. Rollups sort them before folding.
var States = []string{
	"AC", "AL", "AP", "AM", "BA", "CE", "DF", "ES", "GO", "MA", "MT", "MS",
	"MG", "PA", "PB", "PR", "PE", "PI", "RJ", "RN", "RS", "RO", "RR", "SC",
	"SP", "SE", "TO",
}

// CountryName is the table name of the country-level rollup.
const CountryName = "BRASIL"

// IsState reports whether uf is one of States.
func IsState(uf string) bool {
	for _, s := range States {
		if s == uf {
			return true
		}
	}
	return false
}

// =============================================================================
// CUTS
// =============================================================================

// Cut is a named subset of municipalities of one state, aggregated the same
// way as a state.
type Cut struct {
	Name           string `yaml:"name" json:"name"`
	State          string `yaml:"state" json:"state"`
	Municipalities []int  `yaml:"municipalities" json:"municipalities"`
}

// RMCCut returns the Região Metropolitana de Campinas (SP).
func RMCCut() Cut {
	return Cut{
		Name:  "RMC",
		State: "SP",
		Municipalities: []int{
			350160, // Americana
			350380, // Artur Nogueira
			350950, // Campinas
			351280, // Cosmópolis
			351515, // Engenheiro Coelho
			351905, // Holambra
			351907, // Hortolândia
			352050, // Indaiatuba
			352340, // Itatiba
			352470, // Jaguariúna
			353180, // Monte Mor
			353200, // Morungaba
			353340, // Nova Odessa
			353650, // Paulínia
			353710, // Pedreira
			354580, // Santa Bárbara d'Oeste
			354800, // Santo Antônio de Posse
			355240, // Sumaré
			355620, // Valinhos
			355670, // Vinhedo
		},
	}
}

// =============================================================================
// ORDINAL SCALES
// =============================================================================

// EducationScale labels the "Escolaridade após 2005" codes.
var EducationScale = map[int]string{
	1:  "Analfabeto",
	2:  "Até 5ª Incompleto",
	3:  "5ª Completo",
	4:  "6ª a 9ª Incompleto",
	5:  "9ª Completo",
	6:  "Médio Incompleto",
	7:  "Médio Completo",
	8:  "Superior Incompleto",
	9:  "Superior Completo",
	10: "Mestrado",
	11: "Doutorado",
}

// EstablishmentSizeScale labels the "Tamanho Estabelecimento" codes.
var EstablishmentSizeScale = map[int]string{
	0: "Zero",
	1: "Até 4",
	2: "De 5 a 9",
	3: "De 10 a 19",
	4: "De 20 a 49",
	5: "De 50 a 99",
	6: "De 100 a 249",
	7: "De 250 a 499",
	8: "De 500 a 999",
	9: "1000 ou mais",
}

// =============================================================================
// RUN RESULTS
// =============================================================================

// StepResult reports one finished pipeline step.
type StepResult struct {
	Key generic.TableKey `json:"key"`
	// Rows is the number of rows persisted.
	Rows int `json:"rows"`
	// Unclassified lists class codes emitted with a placeholder description.
	Unclassified []generic.ClassCode `json:"unclassified,omitempty"`
}
