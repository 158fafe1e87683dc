package negotiation

import (
	"log"
	"math"
	"strings"
	"time"
)

// PricingRules is the pricing_rules section of a playbook document. Loaded
// from an externally-editable document and treated as immutable for the
// duration of a run.
type PricingRules struct {
	BasePrices          map[string]float64 `json:"base_prices" yaml:"base_prices"`
	SignalMultipliers   map[string]float64 `json:"signal_multipliers" yaml:"signal_multipliers"`
	IndustryMultipliers map[string]float64 `json:"industry_multipliers" yaml:"industry_multipliers"`
	MarginRules         MarginRules        `json:"margin_rules" yaml:"margin_rules"`
}

type MarginRules struct {
	MaxDiscountPct float64 `json:"max_discount_pct" yaml:"max_discount_pct"`
}

func (r PricingRules) signalMultiplier(name string, fallback float64) float64 {
	if m, ok := r.SignalMultipliers[name]; ok {
		return m
	}
	return fallback
}

// LeadSignals are the site-health findings from the triage scan. Nil pointers
// mean the signal was not observed and contribute no adjustment.
type LeadSignals struct {
	PageSpeedScore   *float64 `json:"pagespeed_score,omitempty"`
	SSLValid         *bool    `json:"ssl_valid,omitempty"`
	MobileResponsive *bool    `json:"mobile_responsive,omitempty"`
	CopyrightYear    int      `json:"copyright_year,omitempty"`
	CMSDetected      string   `json:"cms_detected,omitempty"`
	PageCount        int      `json:"page_count,omitempty"`
}

// Adjustment is one named price uplift in the quote breakdown.
type Adjustment struct {
	Name       string  `json:"name"`
	Amount     float64 `json:"amount"`
	Multiplier float64 `json:"multiplier"`
	Reason     string  `json:"reason"`
}

// QuoteResult is the full pricing breakdown for a lead.
type QuoteResult struct {
	BasePrice          float64      `json:"base_price"`
	ProjectType        string       `json:"project_type"`
	Adjustments        []Adjustment `json:"adjustments"`
	FinalPrice         float64      `json:"final_price"`
	MinAcceptablePrice float64      `json:"min_acceptable_price"`
	MaxDiscountPct     float64      `json:"max_discount_pct"`
	CloseProbability   float64      `json:"close_probability"`
}

// Quote applies signal and industry multipliers multiplicatively against a
// base price and rounds half-up to 2 decimals. Deterministic and
// order-independent within floating rounding tolerance.
func Quote(basePrice float64, signalMultipliers []float64, industryMultiplier float64) float64 {
	price := basePrice
	for _, m := range signalMultipliers {
		price *= m
	}
	if industryMultiplier > 0 {
		price *= industryMultiplier
	}
	return roundHalfUp(price, 2)
}

// Calculate builds the full quote from triage output and playbook rules:
// classify the project type for its base price, apply signal multipliers in a
// fixed order with a named adjustment per uplift, apply the industry
// multiplier, round the final price to the nearest $10, and derive the
// discount floor from the margin rules. now is only used to age the
// copyright year; everything else is a pure function of the inputs.
func Calculate(triageScore *float64, signals LeadSignals, industry string, rules PricingRules, now time.Time) QuoteResult {
	projectType := classifyProject(signals)
	base := basePriceFor(rules, projectType)
	originalBase := base

	var adjustments []Adjustment
	apply := func(name, reason string, mult float64) {
		adjustments = append(adjustments, Adjustment{
			Name:       name,
			Amount:     roundHalfUp(base*(mult-1), 2),
			Multiplier: mult,
			Reason:     reason,
		})
		base *= mult
	}

	if ps := signals.PageSpeedScore; ps != nil {
		switch {
		case *ps < 30:
			apply("Low PageSpeed Premium", "significant rebuild needed",
				rules.signalMultiplier("pagespeed_below_30", 1.2))
		case *ps < 50:
			apply("PageSpeed Optimization", "optimization required",
				rules.signalMultiplier("pagespeed_below_50", 1.1))
		}
	}
	if signals.SSLValid != nil && !*signals.SSLValid {
		apply("SSL Setup", "no valid SSL certificate detected",
			rules.signalMultiplier("no_ssl", 1.1))
	}
	if signals.MobileResponsive != nil && !*signals.MobileResponsive {
		apply("Mobile Responsive Rebuild", "site not mobile responsive",
			rules.signalMultiplier("no_mobile", 1.15))
	}
	if signals.CopyrightYear > 0 {
		yearsOld := now.UTC().Year() - signals.CopyrightYear
		switch {
		case yearsOld >= 5:
			apply("Legacy Site Modernization", "site 5+ years outdated",
				rules.signalMultiplier("outdated_5plus_years", 1.2))
		case yearsOld >= 3:
			apply("Site Refresh Premium", "site 3+ years outdated",
				rules.signalMultiplier("outdated_3plus_years", 1.1))
		}
	}

	industryKey := strings.ToLower(industry)
	if industryKey == "" {
		industryKey = "default"
	}
	industryMult, ok := rules.IndustryMultipliers[industryKey]
	if !ok {
		industryMult = rules.IndustryMultipliers["default"]
	}
	if industryMult > 0 && industryMult != 1.0 {
		apply("Industry Adjustment ("+industryKey+")", "industry multiplier", industryMult)
	}

	maxDiscount := rules.MarginRules.MaxDiscountPct
	if maxDiscount <= 0 {
		maxDiscount = 15
	}

	finalPrice := roundToNearest(base, 10)
	result := QuoteResult{
		BasePrice:          originalBase,
		ProjectType:        projectType,
		Adjustments:        adjustments,
		FinalPrice:         finalPrice,
		MinAcceptablePrice: roundHalfUp(finalPrice*(1-maxDiscount/100), 2),
		MaxDiscountPct:     maxDiscount,
		CloseProbability:   closeProbability(triageScore),
	}

	log.Printf("[Pricing] Quote for %s project: base %.2f final %.2f floor %.2f (%d adjustments)",
		projectType, originalBase, result.FinalPrice, result.MinAcceptablePrice, len(adjustments))
	return result
}

// classifyProject infers the project tier from scan signals. Falls back to
// small_business when nothing distinguishing was detected.
func classifyProject(signals LeadSignals) string {
	cms := strings.ToLower(signals.CMSDetected)
	for _, kw := range []string{"shopify", "woocommerce", "magento", "bigcommerce"} {
		if strings.Contains(cms, kw) {
			return "ecommerce"
		}
	}
	if strings.Contains(cms, "wordpress") {
		return "small_business"
	}
	if signals.PageCount > 0 && signals.PageCount <= 3 {
		return "landing_page"
	}
	return "small_business"
}

func basePriceFor(rules PricingRules, projectType string) float64 {
	if p, ok := rules.BasePrices[projectType]; ok {
		return p
	}
	if p, ok := rules.BasePrices["default"]; ok {
		return p
	}
	return 5000
}

// closeProbability maps the triage qualification score to a likelihood tier.
func closeProbability(triageScore *float64) float64 {
	if triageScore == nil {
		return 0.3
	}
	switch score := *triageScore; {
	case score >= 80:
		return 0.5
	case score >= 60:
		return 0.35
	case score >= 40:
		return 0.25
	default:
		return 0.15
	}
}

// roundHalfUp rounds to the given number of decimal places, halves away from
// zero for positive amounts (currency semantics).
func roundHalfUp(x float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Floor(x*shift+0.5) / shift
}

// roundToNearest rounds to the nearest multiple of unit ($10 for quotes).
func roundToNearest(x, unit float64) float64 {
	return math.Floor(x/unit+0.5) * unit
}
