package generic

// =============================================================================
// GROUP AGGREGATOR - Raw records of one (key, class) group -> one Aggregate
// =============================================================================
//
// VALUE MODEL:
//   Each record contributes its average remuneration times the months it was
//   active, plus a proportional thirteenth salary (avg * months / 12) and a
//   vacation bonus of one third of that thirteenth (VacationFactor).
//
// EMPLOYMENT:
//   Annual vintages only report December, so a record is either active for
//   the whole year (December > 0, contributes 1.0) or not at all.
//   Monthly vintages count every month with a positive figure; a worker
//   active 6 of 12 months contributes 0.5.
//
// WEIGHTING:
//   Education is weighted by the record's employment fraction.
//   Establishment size is a plain mean over the group's record count.
//   Rollup levels weight size by employment instead; see rollup.go.
// =============================================================================

const (
	// MonthsPerYear is the denominator of the employment fraction.
	MonthsPerYear = 12

	// VacationFactor is the share of the thirteenth salary paid as vacation
	// bonus. The published methodology uses 0.333, not 1/3.
	VacationFactor = 0.333

	// DefaultEducationFloor is the smallest employment used as the education
	// denominator.
	DefaultEducationFloor = 1.0
)

// GroupAggregator computes one Aggregate from the raw records of a group.
// It holds no mutable state and may be shared across goroutines.
type GroupAggregator struct {
	// EducationFloor bounds the education denominator from below:
	// avg_education = weighted_sum / max(employment, EducationFloor).
	EducationFloor float64
}

// NewGroupAggregator returns an aggregator with DefaultEducationFloor.
func NewGroupAggregator() GroupAggregator {
	return GroupAggregator{EducationFloor: DefaultEducationFloor}
}

// Aggregate folds the records of one group. An empty group yields the zero
// Aggregate. An unknown vintage kind yields ErrMissingVintageSchema.
func (g GroupAggregator) Aggregate(records []RawRecord, kind VintageKind) (Aggregate, error) {
	var contribute func(RawRecord) contribution
	switch kind {
	case VintageAnnual:
		contribute = annualContribution
	case VintageMonthly:
		contribute = monthlyContribution
	default:
		return Aggregate{}, &MissingVintageError{Vintage: string(kind)}
	}

	if len(records) == 0 {
		return Aggregate{}, nil
	}

	var (
		value, employment float64
		eduSum, sizeSum   float64
	)
	for _, r := range records {
		c := contribute(r)
		if !c.counted {
			continue
		}
		value += c.value
		employment += c.fraction
		eduSum += float64(r.EducationLevel) * c.fraction
		sizeSum += float64(r.EstablishmentSize)
	}

	out := Aggregate{
		LaborValue:           value,
		Employment:           employment,
		AvgEstablishmentSize: sizeSum / float64(len(records)),
	}
	// A group whose records are all inactive has no employment; with a zero
	// floor the education mean stays 0 rather than NaN.
	if denom := max(employment, g.EducationFloor); denom > 0 {
		out.AvgEducation = eduSum / denom
	}
	return out, nil
}

// contribution is what one record adds to its group.
// counted is false for annual records inactive in December, which add
// nothing but still count toward the size denominator.
type contribution struct {
	value    float64
	fraction float64
	counted  bool
}

func annualContribution(r RawRecord) contribution {
	if r.DecemberRemuneration <= 0 {
		return contribution{}
	}
	return contribution{
		value:    laborValue(r.AvgRemuneration, MonthsPerYear),
		fraction: 1,
		counted:  true,
	}
}

func monthlyContribution(r RawRecord) contribution {
	months := ActiveMonths(r)
	return contribution{
		value:    laborValue(r.AvgRemuneration, months),
		fraction: float64(months) / MonthsPerYear,
		counted:  true,
	}
}

// ActiveMonths counts the positive monthly figures of a record, December
// included.
func ActiveMonths(r RawRecord) int {
	n := 0
	for _, m := range r.MonthlyRemuneration {
		if m > 0 {
			n++
		}
	}
	if r.DecemberRemuneration > 0 {
		n++
	}
	return n
}

// laborValue is base pay plus proportional thirteenth and vacation bonus.
func laborValue(avg float64, months int) float64 {
	base := avg * float64(months)
	thirteenth := avg * float64(months) / MonthsPerYear
	vacation := thirteenth * VacationFactor
	return base + vacation + thirteenth
}
