package design

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PricingType classifies the pricing display of a site.
type PricingType string

const (
	PricingNone   PricingType = "none"
	PricingMenu   PricingType = "menu"
	PricingPlans  PricingType = "plans"
	PricingQuote  PricingType = "quote"
	PricingSimple PricingType = "simple"
)

// Sections carries the section-level signals of a profile. HasPricing is nil
// when nothing is known.
type Sections struct {
	HasPricing  *bool       `json:"hasPricing,omitempty"`
	PricingType PricingType `json:"pricingType,omitempty"`
}

const pricingSelector = `[id*="pricing"], [class*="pricing"], [id*="tarif"], [class*="tarif"], [id*="plans"], [class*="plans"]`

var priceRe = regexp.MustCompile(`(?i)(?:[€$£]\s?\d{1,5}(?:[.,]\d{1,2})?)|(?:\d{1,5}(?:[.,]\d{1,2})?\s?(?:€|£|\$|eur\b|euros?\b|usd\b|chf\b))`)

var (
	menuTerms = []string{
		"menu", "carte", "plats", "plat du jour", "entrées", "entrees", "desserts", "boissons",
		"formule midi", "à la carte", "starters", "main courses", "drinks",
	}
	planTerms = []string{
		"abonnement", "abonnements", "subscription", "subscriptions", "forfait", "forfaits",
		"par mois", "per month", "monthly", "mensuel", "annuel", "yearly",
		"starter", "premium", "enterprise", "pricing plans",
	}
	quoteTerms = []string{
		"devis", "sur devis", "devis gratuit", "quote", "free quote", "sur mesure",
		"estimation", "nous consulter", "contact us for pricing",
	}
)

// CountPrices returns the number of price-like tokens in text.
func CountPrices(text string) int {
	return len(priceRe.FindAllString(text, -1))
}

// ClassifyPricing is deterministic on text. selectorHit reports whether the
// DOM had a pricing-like container, which counts as a price signal.
func ClassifyPricing(text string, selectorHit bool) PricingType {
	norm := normalize(text)
	prices := CountPrices(text)

	switch {
	case containsAny(norm, menuTerms) && prices > 5:
		return PricingMenu
	case containsAny(norm, planTerms):
		return PricingPlans
	case containsAny(norm, quoteTerms) && prices < 3:
		return PricingQuote
	case prices > 0 || selectorHit:
		return PricingSimple
	default:
		return PricingNone
	}
}

// DetectPricing runs the DOM heuristics on a rendered page.
func DetectPricing(doc string) Sections {
	selectorHit := false
	if d, err := goquery.NewDocumentFromReader(strings.NewReader(doc)); err == nil {
		selectorHit = d.Find(pricingSelector).Length() > 0
	}
	text := VisibleText(doc)

	has := selectorHit || CountPrices(text) > 3
	s := Sections{HasPricing: &has, PricingType: PricingNone}
	if has {
		s.PricingType = ClassifyPricing(text, selectorHit)
	}
	return s
}
