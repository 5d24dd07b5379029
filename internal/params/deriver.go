// Package params derives a campaign's phase structure from its goal, duration
// and risk inputs. Every function here is pure and deterministic.
package params

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/milestone-escrow/internal/apperr"
)

// Config holds the constants of the risk and weighting model.
type Config struct {
	L1Weight float64 `env:"L1_WEIGHT" envDefault:"0.7"`
	L2Weight float64 `env:"L2_WEIGHT" envDefault:"0.3"`
	CMin     float64 `env:"C_MIN" envDefault:"0.30"`
	CMax     float64 `env:"C_MAX" envDefault:"0.90"`

	AlphaMin float64 `env:"ALPHA_MIN" envDefault:"1.5"`
	AlphaMax float64 `env:"ALPHA_MAX" envDefault:"2.0"`
	DRef     float64 `env:"D_REF" envDefault:"12"`

	NFRTBase     float64 `env:"NFRT_BASE" envDefault:"3"`
	DurationCoef float64 `env:"NFRT_DURATION_COEF" envDefault:"1.5"`
	RiskCoef     float64 `env:"NFRT_RISK_COEF" envDefault:"0.03"`
	GoalCeiling  float64 `env:"GOAL_CEILING" envDefault:"1000000"`
	PMin         int     `env:"P_MIN" envDefault:"3"`
	PMax         int     `env:"P_MAX" envDefault:"12"`

	// TypeAdjustments maps campaign type to its phase-count adjustment.
	TypeAdjustments map[string]float64 `env:"TYPE_ADJUSTMENTS" envDefault:"donation:-1,equity:0,loan:1"`
}

// DefaultConfig returns the model constants used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		L1Weight:     0.7,
		L2Weight:     0.3,
		CMin:         0.30,
		CMax:         0.90,
		AlphaMin:     1.5,
		AlphaMax:     2.0,
		DRef:         12,
		NFRTBase:     3,
		DurationCoef: 1.5,
		RiskCoef:     0.03,
		GoalCeiling:  1_000_000,
		PMin:         3,
		PMax:         12,
		TypeAdjustments: map[string]float64{
			"donation": -1,
			"equity":   0,
			"loan":     1,
		},
	}
}

// Input is everything the model needs about a prospective campaign.
type Input struct {
	FundingGoal    decimal.Decimal
	DurationMonths int
	L1Risk         float64 // industry sector risk in [0,1]
	L2Risk         float64 // sub-sector risk in [0,1]
	CampaignType   string
}

// Parameters is the derived phase structure.
type Parameters struct {
	RiskFactor            float64
	Alpha                 float64
	PhaseCount            int
	Weights               []float64
	DisbursementFractions []float64
}

// Deriver computes Parameters under one Config.
type Deriver struct {
	cfg Config
}

func NewDeriver(cfg Config) *Deriver {
	return &Deriver{cfg: cfg}
}

// Derive validates the input and computes every parameter.
func (d *Deriver) Derive(in Input) (Parameters, error) {
	if !in.FundingGoal.IsPositive() {
		return Parameters{}, apperr.Validation(apperr.CodeInvalidInput, "funding goal must be positive")
	}
	if in.DurationMonths <= 0 {
		return Parameters{}, apperr.Validation(apperr.CodeInvalidInput, "duration must be positive")
	}
	if !inUnitRange(in.L1Risk) || !inUnitRange(in.L2Risk) {
		return Parameters{}, apperr.Validation(apperr.CodeInvalidInput, "risk inputs must be within [0,1]")
	}
	adj, ok := d.cfg.TypeAdjustments[in.CampaignType]
	if !ok {
		return Parameters{}, apperr.Validation(apperr.CodeInvalidInput, "unknown campaign type %q", in.CampaignType).
			With("campaign_type", in.CampaignType)
	}

	c := d.RiskFactor(in.L1Risk, in.L2Risk)
	alpha := d.Alpha(in.DurationMonths)
	goal, _ := in.FundingGoal.Float64()
	p := d.PhaseCount(c, goal, in.DurationMonths, adj)
	weights := Weights(p, alpha)

	return Parameters{
		RiskFactor:            c,
		Alpha:                 alpha,
		PhaseCount:            p,
		Weights:               weights,
		DisbursementFractions: DisbursementFractions(weights),
	}, nil
}

// RiskFactor is clamp(w1*l1 + w2*l2, CMin, CMax).
func (d *Deriver) RiskFactor(l1, l2 float64) float64 {
	return clamp(d.cfg.L1Weight*l1+d.cfg.L2Weight*l2, d.cfg.CMin, d.cfg.CMax)
}

// Alpha shrinks toward AlphaMin as the campaign gets longer.
func (d *Deriver) Alpha(durationMonths int) float64 {
	dm := float64(durationMonths)
	return d.cfg.AlphaMin + (d.cfg.AlphaMax-d.cfg.AlphaMin)*(d.cfg.DRef/(dm+d.cfg.DRef))
}

// PhaseCount combines the non-financial risk term with a goal-scaled
// financial term and clamps the rounded sum to [PMin, PMax].
func (d *Deriver) PhaseCount(riskFactor, goal float64, durationMonths int, typeAdj float64) int {
	nfrt := d.cfg.NFRTBase +
		d.cfg.DurationCoef*(float64(durationMonths)/d.cfg.DRef) +
		d.cfg.RiskCoef*(1/riskFactor) +
		typeAdj
	frf := math.Min(1, goal/d.cfg.GoalCeiling) * (float64(d.cfg.PMax) - nfrt)
	p := RoundHalfUp(nfrt + frf)
	if p < d.cfg.PMin {
		return d.cfg.PMin
	}
	if p > d.cfg.PMax {
		return d.cfg.PMax
	}
	return p
}

// RoundHalfUp rounds x to the nearest integer, with .5 going up.
func RoundHalfUp(x float64) int {
	return int(math.Floor(x + 0.5))
}

// Weights returns i^alpha / sum(j^alpha) for i = 1..p. The sum is taken over
// all raw terms before any normalization.
func Weights(p int, alpha float64) []float64 {
	if p <= 0 {
		return nil
	}
	raw := make([]float64, p)
	var total float64
	for i := range raw {
		raw[i] = math.Pow(float64(i+1), alpha)
		total += raw[i]
	}
	for i := range raw {
		raw[i] /= total
	}
	return raw
}

// DisbursementFractions maps weights to the share of the goal released per
// milestone. No remedial reserve is held back.
func DisbursementFractions(weights []float64) []float64 {
	out := make([]float64, len(weights))
	copy(out, weights)
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func inUnitRange(v float64) bool {
	return v >= 0 && v <= 1 && !math.IsNaN(v)
}
